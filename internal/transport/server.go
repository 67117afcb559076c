package transport

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/beatclock/internal/engine"
	"github.com/roach88/beatclock/internal/wire"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 2 * time.Second

	// maxFrameSize bounds inbound frames. O2lite frames are small.
	maxFrameSize = 4096

	// sendBuffer is the per-peer outbound queue depth.
	sendBuffer = 256
)

// Server exposes an Authority over WebSocket. Each connection is one peer,
// identified by the id, role, x and y query parameters.
type Server struct {
	authority *Authority
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[int32]*wsPeer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger. The default discards output.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server whose authority reads clock.
func NewServer(clock Clock, opts []ServerOption, authorityOpts ...AuthorityOption) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		conns:  make(map[int32]*wsPeer),
	}
	for _, opt := range opts {
		opt(s)
	}
	authorityOpts = append([]AuthorityOption{WithAuthorityLogger(s.logger)}, authorityOpts...)
	s.authority = NewAuthority(clock, s, authorityOpts...)
	return s
}

// Authority returns the server's tempo authority.
func (s *Server) Authority() *Authority {
	return s.authority
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer, err := ParsePeer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	p := &wsPeer{conn: conn, send: make(chan string, sendBuffer), done: make(chan struct{})}
	s.mu.Lock()
	if _, dup := s.conns[peer.ID]; dup {
		s.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate id"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	s.conns[peer.ID] = p
	s.mu.Unlock()

	go p.writeLoop(s.logger)

	if err := s.authority.Join(peer); err != nil {
		s.logger.Warn("join failed", "peer", peer.ID, "error", err)
		s.drop(peer.ID)
		return
	}

	s.readLoop(peer.ID, p)
	s.drop(peer.ID)
	s.authority.Leave(peer.ID)
}

// Deliver queues m for peer to. It satisfies Outbox. A peer whose queue is
// full is disconnected.
func (s *Server) Deliver(to int32, m wire.Message) {
	frame, err := wire.Encode(m)
	if err != nil {
		s.logger.Warn("dropping unencodable message", "address", m.Address(), "error", err)
		return
	}

	s.mu.Lock()
	p := s.conns[to]
	s.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case p.send <- frame:
	default:
		s.logger.Warn("peer send queue full, disconnecting", "peer", to)
		p.conn.Close()
	}
}

func (s *Server) readLoop(id int32, p *wsPeer) {
	p.conn.SetReadLimit(maxFrameSize)
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("peer read failed", "peer", id, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		m, err := wire.Decode(string(data))
		if err != nil {
			s.logger.Debug("dropping malformed frame", "peer", id, "error", err)
			continue
		}
		if err := s.authority.Receive(id, m); err != nil {
			s.logger.Debug("authority dropped message", "peer", id, "address", m.Address(), "error", err)
		}
	}
}

func (s *Server) drop(id int32) {
	s.mu.Lock()
	p := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if p != nil {
		p.close()
	}
}

type wsPeer struct {
	conn *websocket.Conn
	send chan string
	done chan struct{}
	once sync.Once
}

// writeLoop is the only writer of the connection.
func (p *wsPeer) writeLoop(logger *slog.Logger) {
	for {
		select {
		case frame := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				p.conn.Close()
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				logger.Debug("peer write failed", "error", err)
				p.conn.Close()
				return
			}
		case <-p.done:
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			p.conn.Close()
			return
		}
	}
}

func (p *wsPeer) close() {
	p.once.Do(func() { close(p.done) })
}

// ParsePeer reads a peer from the id, role, x and y query parameters. Role
// defaults to performer and the grid position to the origin.
func ParsePeer(r *http.Request) (Peer, error) {
	q := r.URL.Query()
	id, err := strconv.ParseInt(q.Get("id"), 10, 32)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid id %q: %w", q.Get("id"), err)
	}
	p := Peer{ID: int32(id), Role: engine.RolePerformer}
	if v := q.Get("role"); v != "" {
		if p.Role, err = engine.ParseRole(v); err != nil {
			return Peer{}, err
		}
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{{"x", &p.X}, {"y", &p.Y}} {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Peer{}, fmt.Errorf("invalid %s %q: %w", f.name, v, err)
		}
		*f.dst = n
	}
	return p, nil
}
