package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/beatclock/internal/config"
	"github.com/roach88/beatclock/internal/transport"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tempo server",
		Long: `Run the tempo server that holds the authoritative tempo map.

Clients connect over WebSocket at /ws. The server answers RTT probes and
clock requests, accepts or drops tempo proposals, and relays drum hits.

  GET  /status          current tempo map and connected peers
  POST /finish?info=x   end the performance for everyone

Example:
  beatclock serve --listen :7400
  beatclock serve --config beatclock.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		_ = f.Error(CodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	clock := transport.NewWallClock()
	srv := transport.NewServer(clock,
		[]transport.ServerOption{transport.WithServerLogger(logger)},
		transport.WithMaxNetDelay(cfg.Server.MaxNetDelay),
	)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpSrv := &http.Server{
		Handler:           newServeMux(srv, clock, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	logger.Info("tempo server listening", "addr", ln.Addr().String(), "max_net_delay", cfg.Server.MaxNetDelay)
	f.Textf("Tempo server listening on %s", ln.Addr())
	f.Textf("Press Ctrl-C to stop.")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down", "error", err)
	}
	logger.Info("tempo server stopped gracefully")

	return f.Success(newServerStatus(srv.Authority(), clock.Now()))
}

// newServeMux routes the WebSocket endpoint and the HTTP control surface.
func newServeMux(srv *transport.Server, clock transport.Clock, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", srv)

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(newServerStatus(srv.Authority(), clock.Now())); err != nil {
			logger.Warn("status write failed", "error", err)
		}
	})

	mux.HandleFunc("/finish", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		info := r.URL.Query().Get("info")
		srv.Authority().Finish(info)
		logger.Info("performance finished", "info", info)
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

// serverStatus is the /status payload.
type serverStatus struct {
	Now     float64      `json:"now"`
	Epoch   uint32       `json:"epoch"`
	Time    float64      `json:"time"`
	Beat    float64      `json:"beat"`
	BPS     float64      `json:"bps"`
	Peers   []peerStatus `json:"peers"`
	Running bool         `json:"running"`
}

type peerStatus struct {
	ID           int32   `json:"id"`
	Role         string  `json:"role"`
	X            int     `json:"x"`
	Y            int     `json:"y"`
	Validated    bool    `json:"validated"`
	Transmission float64 `json:"transmission"`
}

func newServerStatus(a *transport.Authority, now float64) serverStatus {
	tm := a.TimeMap()
	st := serverStatus{
		Now:     now,
		Epoch:   tm.Epoch,
		Time:    tm.Time,
		Beat:    tm.Beat,
		BPS:     tm.BPS,
		Running: tm.BPS > 0,
		Peers:   []peerStatus{},
	}
	for _, p := range a.Peers() {
		tt, ok := a.Transmission(p.ID)
		st.Peers = append(st.Peers, peerStatus{
			ID:           p.ID,
			Role:         p.Role.String(),
			X:            p.X,
			Y:            p.Y,
			Validated:    ok,
			Transmission: tt,
		})
	}
	return st
}

func (s serverStatus) String() string {
	return fmt.Sprintf("epoch %d: beat %.3f at %.3f, %.3f beats/s, %d peer(s)",
		s.Epoch, s.Beat, s.Time, s.BPS, len(s.Peers))
}

// signalContext returns a context cancelled by Ctrl-C, SIGTERM or the
// command's own context.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan) // Prevent signal handler leak
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
