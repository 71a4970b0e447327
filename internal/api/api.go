// Package api exposes the HTTP surface of the intake line: the carrier voice
// webhook, the media stream websocket and read-only staff endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/IntakeLine/internal/call"
	"github.com/BTreeMap/IntakeLine/internal/models"
	"github.com/BTreeMap/IntakeLine/internal/telephony"
)

// Defaults for the HTTP server.
const (
	DefaultAddr              = ":8080"
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second

	MediaStreamPath = "/media-stream"
	RecordingPath   = "/twilio/recording"

	DefaultVoicemailMessage = telephony.DefaultVoicemailMessage
)

// CallServer runs one call over an upgraded media stream.
type CallServer interface {
	Serve(ctx context.Context, conn telephony.Conn) (*models.IntakeResult, error)
}

// ActiveCalls reports calls in progress.
type ActiveCalls interface {
	Count() int
	List() []call.CallInfo
}

// IntakeReader looks up finalized intakes.
type IntakeReader interface {
	GetIntake(ctx context.Context, id string) (*models.IntakeResult, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr             string
	PublicBaseURL    string
	AuthToken        string
	ValidateRequests bool
	VoicemailMessage string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicBaseURL sets the externally visible https base URL used for
// signature checks and the media stream URL.
func WithPublicBaseURL(u string) Option {
	return func(o *Opts) { o.PublicBaseURL = strings.TrimRight(u, "/") }
}

// WithSignatureValidation enables X-Twilio-Signature checks on webhooks.
func WithSignatureValidation(authToken string) Option {
	return func(o *Opts) {
		o.AuthToken = authToken
		o.ValidateRequests = authToken != ""
	}
}

// WithVoicemailMessage sets the prompt used when no AI backend is configured.
func WithVoicemailMessage(msg string) Option {
	return func(o *Opts) { o.VoicemailMessage = msg }
}

// Server is the HTTP front end.
type Server struct {
	opts      Opts
	calls     CallServer
	active    ActiveCalls
	intakes   IntakeReader
	validator *client.RequestValidator
	upgrader  websocket.Upgrader
	baseCtx   context.Context
	streams   sync.WaitGroup
}

// NewServer creates a server. calls may be nil, in which case callers are
// sent to voicemail. active and intakes may be nil to disable their endpoints.
func NewServer(calls CallServer, active ActiveCalls, intakes IntakeReader, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, VoicemailMessage: DefaultVoicemailMessage}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		opts:    cfg,
		calls:   calls,
		active:  active,
		intakes: intakes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The carrier does not send an Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx: context.Background(),
	}
	if cfg.ValidateRequests {
		v := client.NewRequestValidator(cfg.AuthToken)
		s.validator = &v
	}
	slog.Debug("NewServer: configured",
		"addr", cfg.Addr,
		"publicBaseURL_set", cfg.PublicBaseURL != "",
		"validateRequests", cfg.ValidateRequests,
		"aiBackend", calls != nil)
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /twilio/voice", s.voiceHandler)
	mux.HandleFunc("POST "+RecordingPath, s.recordingHandler)
	mux.HandleFunc("GET "+MediaStreamPath, s.mediaStreamHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	mux.HandleFunc("GET /calls/active", s.activeCallsHandler)
	mux.HandleFunc("GET /intakes/{id}", s.getIntakeHandler)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully. Calls in
// progress keep running until their streams end or the timeout elapses.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = context.WithoutCancel(ctx)
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: listener failed", "error", err)
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}

	// Shutdown does not track hijacked websocket connections.
	drained := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		slog.Warn("Server.Run: calls still in progress at shutdown deadline")
	}
	return nil
}

// publicURL rebuilds the URL the carrier signed.
func (s *Server) publicURL(r *http.Request) string {
	if s.opts.PublicBaseURL != "" {
		return s.opts.PublicBaseURL + r.URL.RequestURI()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// streamURL is the wss URL the carrier should open for media.
func (s *Server) streamURL(r *http.Request) string {
	base := s.opts.PublicBaseURL
	if base == "" {
		base = "https://" + r.Host
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + MediaStreamPath
}
