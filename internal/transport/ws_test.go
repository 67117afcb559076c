package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beatclock/internal/engine"
	"github.com/roach88/beatclock/internal/wire"
)

const wsWait = 2 * time.Second

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(NewWallClock(), nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, p Peer) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wsWait)
	defer cancel()
	c, err := Dial(ctx, url, p)
	require.NoError(t, err)
	return c
}

func TestServer_ClientSession(t *testing.T) {
	srv, url := newTestServer(t)
	c := dial(t, url, composer)

	echoes := make(chan wire.Message, 4)
	maps := make(chan wire.TimeMap, 8)
	c.On(wire.AddrRttTest, func(m wire.Message) { echoes <- m })
	c.On(wire.AddrTimeMap, func(m wire.Message) { maps <- m.(wire.TimeMap) })

	require.Eventually(t, c.Synchronized, wsWait, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(srv.Authority().Peers()) == 1 }, wsWait, 10*time.Millisecond)

	require.NoError(t, c.Send(wire.RttTest{Round: 1, Index: 2}))
	select {
	case m := <-echoes:
		assert.Equal(t, wire.RttTest{Round: 1, Index: 2}, m)
	case <-time.After(wsWait):
		t.Fatal("no rtt echo")
	}

	require.NoError(t, c.Send(wire.Start{Epoch: 0, Beat: 1, BPS: 2}))
	deadline := time.After(wsWait)
	for started := false; !started; {
		select {
		case tm := <-maps:
			started = tm.Epoch == 1
			if started {
				assert.Equal(t, 2.0, tm.BPS)
				assert.Equal(t, 1.0, tm.Beat)
			}
		case <-deadline:
			t.Fatal("start never published")
		}
	}

	require.NoError(t, c.Close())
	assert.NoError(t, c.Err())

	// Leaving while running stops the tempo.
	require.Eventually(t, func() bool { return len(srv.Authority().Peers()) == 0 }, wsWait, 10*time.Millisecond)
	tm := srv.Authority().TimeMap()
	assert.Equal(t, uint32(2), tm.Epoch)
	assert.Equal(t, 0.0, tm.BPS)
}

func TestServer_NetworkTimeTracksServer(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url, performer)
	defer c.Close()

	require.Eventually(t, c.Synchronized, wsWait, 10*time.Millisecond)
	// The server clock started before the client's.
	assert.Greater(t, c.NetworkTime(), 0.0)
}

func TestServer_RefusesDuplicateID(t *testing.T) {
	_, url := newTestServer(t)
	first := dial(t, url, composer)
	defer first.Close()

	second := dial(t, url, composer)
	select {
	case <-second.Done():
		assert.Error(t, second.Err())
	case <-time.After(wsWait):
		t.Fatal("duplicate connection was kept open")
	}
}

func TestServer_RejectsBadPeerQuery(t *testing.T) {
	srv := NewServer(NewWallClock(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?role=composer", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParsePeer(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    Peer
		wantErr bool
	}{
		{"defaults", "id=5", Peer{ID: 5, Role: engine.RolePerformer}, false},
		{"full", "id=2&role=listener&x=3&y=-1", Peer{ID: 2, Role: engine.RoleListener, X: 3, Y: -1}, false},
		{"missing id", "role=composer", Peer{}, true},
		{"bad role", "id=1&role=drummer", Peer{}, true},
		{"bad x", "id=1&x=left", Peer{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePeer(httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestPeerURL(t *testing.T) {
	got, err := PeerURL("ws://localhost:7400/ws", Peer{ID: 3, Role: engine.RoleListener, X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:7400/ws?id=3&role=listener&x=1&y=2", got)
}
