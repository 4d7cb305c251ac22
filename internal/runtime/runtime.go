package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/telemetry"
	"go.opentelemetry.io/otel"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	version        string
	httpServer     *http.Server
	tracerClose    func(context.Context) error
	metricsHandler http.Handler
	store          store.Store
	runner         *session.Runner
	upgrader       websocket.Upgrader
	ready          atomic.Bool
	wg             sync.WaitGroup

	// live stream sessions
	sessionCtx context.Context
	sessionsMu sync.Mutex
	closing    bool
	sessions   sync.WaitGroup
	active     atomic.Int64
}

func New(cfg config.Config, logger *slog.Logger, version string) *Runtime {
	r := &Runtime{
		cfg:        cfg,
		logger:     logger,
		version:    version,
		sessionCtx: context.Background(),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := telemetry.Setup(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	metrics, err := telemetry.NewMetrics(otel.Meter("github.com/loqalabs/loqa-scribe"))
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()
	r.store = st

	factory, err := stt.NewFactory(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("failed to init stt engine: %w", err)
	}
	defer factory.Close()

	opts := []session.Option{session.WithMetrics(metrics)}
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		if embedded != nil {
			defer embedded.Shutdown()
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect bus: %w", err)
		}
		defer client.Close()
		opts = append(opts, session.WithPublisher(client))
	}

	bridge := session.NewBridge(st, r.cfg.Store.WriteTimeout(), r.logger)
	r.runner = session.NewRunner(session.ConfigFrom(r.cfg), factory, bridge, r.logger, opts...)

	// Sessions outlive the request context; shutdown cancels them explicitly
	// so each one drains instead of being cut off.
	sessionCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSessions()
	r.sessionCtx = sessionCtx

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if r.cfg.Store.RetentionDays > 0 || r.cfg.Store.MaxSessions > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.pruneLoop(ctx)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("store_driver", r.cfg.Store.Driver),
		slog.Bool("bus", r.cfg.Bus.Enabled))

	<-ctx.Done()
	r.logger.Info("runtime stopping", slog.Int64("active_sessions", r.active.Load()))
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}

	cancelSessions()
	r.waitSessions(shutdownCtx)
	r.wg.Wait()

	if r.tracerClose != nil {
		telemetryCtx, cancelTelemetry := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTelemetry()
		if err := r.tracerClose(telemetryCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// trackSession registers a new stream unless shutdown has begun.
func (r *Runtime) trackSession() bool {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if r.closing {
		return false
	}
	r.sessions.Add(1)
	r.active.Add(1)
	return true
}

func (r *Runtime) untrackSession() {
	r.active.Add(-1)
	r.sessions.Done()
}

// waitSessions refuses new streams and blocks until every live session has
// finished. Each drain is bounded by the recognition, write and close
// timeouts, so this always returns; ctx only marks when to report stragglers.
// The store and engines are closed after this returns.
func (r *Runtime) waitSessions(ctx context.Context) {
	r.sessionsMu.Lock()
	r.closing = true
	r.sessionsMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
		r.logger.Warn("sessions still draining past shutdown deadline", slog.Int64("active_sessions", r.active.Load()))
	}
	<-done
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("scheduled prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
