package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beatclock/internal/engine"
	"github.com/roach88/beatclock/internal/testutil"
	"github.com/roach88/beatclock/internal/transport"
	"github.com/roach88/beatclock/internal/wire"
)

func newTestServeMux(t *testing.T) (*httptest.Server, *transport.Server) {
	t.Helper()
	clock := testutil.NewManualClock(42)
	srv := transport.NewServer(clock, nil)
	ts := httptest.NewServer(newServeMux(srv, clock, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(ts.Close)
	return ts, srv
}

func getStatus(t *testing.T, url string) serverStatus {
	t.Helper()
	resp, err := http.Get(url + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st serverStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

// peerCount reads /status without failing the test, for use in Eventually.
func peerCount(url string) int {
	resp, err := http.Get(url + "/status")
	if err != nil {
		return -1
	}
	defer resp.Body.Close()
	var st serverStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return -1
	}
	return len(st.Peers)
}

func TestServeMux_Status(t *testing.T) {
	ts, srv := newTestServeMux(t)

	st := getStatus(t, ts.URL)
	assert.Equal(t, 42.0, st.Now)
	assert.Equal(t, uint32(0), st.Epoch)
	assert.False(t, st.Running)
	assert.Empty(t, st.Peers)

	require.NoError(t, srv.Authority().Join(transport.Peer{ID: 3, Role: engine.RoleListener, X: 1, Y: 4}))
	st = getStatus(t, ts.URL)
	require.Len(t, st.Peers, 1)
	assert.Equal(t, peerStatus{ID: 3, Role: "listener", X: 1, Y: 4}, st.Peers[0])
	assert.Equal(t, "epoch 0: beat 0.000 at 0.000, 0.000 beats/s, 1 peer(s)", st.String())
}

func TestServeMux_Methods(t *testing.T) {
	ts, _ := newTestServeMux(t)

	resp, err := http.Post(ts.URL+"/status", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/finish")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServeMux_FinishReachesClients(t *testing.T) {
	ts, _ := newTestServeMux(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	client, err := transport.Dial(context.Background(), wsURL, transport.Peer{ID: 1, Role: engine.RolePerformer})
	require.NoError(t, err)
	defer client.Close()

	done := make(chan string, 1)
	client.On(wire.AddrMidisReady, func(m wire.Message) {
		done <- m.(wire.MidisReady).Info
	})
	require.Eventually(t, func() bool {
		return peerCount(ts.URL) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/finish?info=take-2", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case info := <-done:
		assert.Equal(t, "take-2", info)
	case <-time.After(2 * time.Second):
		t.Fatal("client never heard the finish")
	}
}

func TestServeCommand_StartsAndStops(t *testing.T) {
	out := &syncBuffer{}
	cmd := NewServeCommand(&RootOptions{Format: "text"})
	cmd.SetOut(out)
	cmd.SetErr(&syncBuffer{})
	cmd.SetArgs([]string{"--listen", "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errChan := make(chan error, 1)
	go func() {
		errChan <- cmd.ExecuteContext(ctx)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Tempo server listening on 127.0.0.1:")
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not respect context cancellation")
	}
	assert.Contains(t, out.String(), "epoch 0:")
}

func TestServeCommand_BadConfig(t *testing.T) {
	cmd := NewServeCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&syncBuffer{})
	cmd.SetErr(&syncBuffer{})
	cmd.SetArgs([]string{"--max-net-delay=-1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}
