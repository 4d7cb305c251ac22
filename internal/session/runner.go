package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/telemetry"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecognizerFactory hands out one recognizer per session.
type RecognizerFactory interface {
	NewRecognizer(sessionID string) (stt.Recognizer, error)
}

// Publisher fans session events out to other services. Failures are logged
// and never affect the session.
type Publisher interface {
	PublishTranscript(msg protocol.Transcript) error
	PublishCompleted(msg protocol.SessionCompleted) error
}

type Config struct {
	SampleRate         int
	IdleTimeout        time.Duration
	CloseTimeout       time.Duration
	RecognitionTimeout time.Duration
	PartialMinWords    int
	PartialMinInterval time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		SampleRate:         cfg.STT.SampleRate,
		IdleTimeout:        cfg.Session.IdleTimeout(),
		CloseTimeout:       cfg.Session.CloseTimeout(),
		RecognitionTimeout: cfg.STT.Timeout(),
		PartialMinWords:    cfg.Session.PartialMinWords,
		PartialMinInterval: cfg.Session.PartialMinInterval(),
	}
}

// Result describes how a session ended.
type Result struct {
	ID        string
	Reason    EndReason
	Record    store.Record
	Persisted bool
	Err       error
}

// Runner executes the transcription protocol, one Serve call per connection.
// A Runner holds no per-session state and is safe for concurrent use.
type Runner struct {
	cfg       Config
	factory   RecognizerFactory
	bridge    *Bridge
	log       *slog.Logger
	publisher Publisher
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	newID     func() string
	now       func() time.Time
}

type Option func(*Runner)

func WithPublisher(p Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) { r.newID = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(r *Runner) { r.now = fn }
}

func NewRunner(cfg Config, factory RecognizerFactory, bridge *Bridge, log *slog.Logger, opts ...Option) *Runner {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 3 * time.Second
	}
	r := &Runner{
		cfg:     cfg,
		factory: factory,
		bridge:  bridge,
		log:     log.With(slog.String("component", "session")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-scribe/internal/session"),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type session struct {
	id        string
	state     State
	transport Transport
	frames    *audio.FrameBuffer
	adapter   *stt.Adapter
	agg       *transcript.Aggregator
	filter    partialFilter
	metadata  map[string]string
	startedAt time.Time
	endedAt   time.Time
	gone      bool
	log       *slog.Logger

	persistOnce sync.Once
	record      store.Record
	persistErr  error
}

// Serve runs one session over t until it completes, fails or the peer goes
// away. Cancelling ctx drains the session gracefully.
func (r *Runner) Serve(ctx context.Context, t Transport, metadata map[string]string) Result {
	s := &session{
		id:        r.newID(),
		state:     Created,
		transport: t,
		frames:    audio.NewFrameBuffer(r.cfg.SampleRate),
		agg:       transcript.New(),
		filter: partialFilter{
			minWords:    r.cfg.PartialMinWords,
			minInterval: r.cfg.PartialMinInterval,
		},
		metadata: make(map[string]string, len(metadata)+8),
	}
	for k, v := range metadata {
		s.metadata[k] = v
	}
	s.log = r.log.With(slog.String("session_id", s.id))

	ctx, span := r.tracer.Start(ctx, "transcription.session",
		trace.WithAttributes(attribute.String("session.id", s.id)))
	defer span.End()

	r.metrics.SessionStarted(ctx)
	res := r.run(ctx, s)
	r.metrics.SessionEnded(ctx, string(res.Reason))

	span.SetAttributes(
		attribute.String("session.end_reason", string(res.Reason)),
		attribute.Int("session.word_count", res.Record.WordCount),
		attribute.Int64("session.audio_bytes", s.frames.BytesReceived()),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}

	r.publishCompleted(s, res)
	s.log.Info("session ended",
		slog.String("reason", string(res.Reason)),
		slog.Int("word_count", res.Record.WordCount),
		slog.Float64("duration", res.Record.Duration),
		slog.Int64("audio_bytes", s.frames.BytesReceived()),
		slog.Bool("persisted", res.Persisted))
	return res
}

func (r *Runner) run(ctx context.Context, s *session) Result {
	rec, recErr := r.factory.NewRecognizer(s.id)
	if recErr == nil {
		s.adapter = stt.NewAdapter(s.id, rec, r.cfg.SampleRate)
		defer func() {
			if err := s.adapter.Close(); err != nil {
				s.log.Warn("failed to release recognizer", slogError(err))
			}
		}()
	}

	if err := r.send(ctx, s, protocol.NewSessionID(s.id)); err != nil {
		return r.salvage(ctx, s, EndDisconnect)
	}
	if recErr != nil {
		return r.fail(ctx, s, recErr)
	}
	s.log.Info("session started")

	for {
		msg, err := r.receive(ctx, s)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return r.drain(ctx, s, EndShutdown)
			case errors.Is(err, context.DeadlineExceeded):
				return r.drain(ctx, s, EndIdleTimeout)
			default:
				s.log.Debug("transport closed", slogError(err))
				return r.salvage(ctx, s, EndDisconnect)
			}
		}

		switch msg.Kind {
		case BinaryMessage:
			err = r.handleAudio(ctx, s, msg.Data)
		case TextMessage:
			if _, perr := protocol.ParseControl(msg.Data); perr != nil {
				s.log.Warn("ignoring control message", slogError(perr))
				err = r.send(ctx, s, protocol.NewError(perr.Error()))
			} else {
				return r.drain(ctx, s, EndClientRequest)
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, stt.ErrRecognitionFailure):
			return r.fail(ctx, s, err)
		default:
			return r.salvage(ctx, s, EndDisconnect)
		}
	}
}

func (r *Runner) receive(ctx context.Context, s *session) (Message, error) {
	if r.cfg.IdleTimeout <= 0 {
		return s.transport.Receive(ctx)
	}
	recvCtx, cancel := context.WithTimeout(ctx, r.cfg.IdleTimeout)
	defer cancel()
	return s.transport.Receive(recvCtx)
}

func (r *Runner) handleAudio(ctx context.Context, s *session, data []byte) error {
	frame, err := s.frames.Accept(data)
	if err != nil {
		r.metrics.ChunkRejected(ctx)
		s.log.Debug("rejected audio chunk", slog.Int("bytes", len(data)), slogError(err))
		return r.send(ctx, s, protocol.NewError(err.Error()))
	}
	if s.state == Created {
		s.state = Streaming
		s.startedAt = r.now()
	}
	r.metrics.AudioReceived(ctx, len(frame.PCM))

	recCtx, cancel := r.recognitionContext(ctx)
	ev, err := s.adapter.Feed(recCtx, frame)
	cancel()
	r.metrics.RecognitionLatency(ctx, s.adapter.Stats().LastLatency)
	if err != nil {
		return err
	}
	return r.emit(ctx, s, ev)
}

// recognitionContext bounds an engine call without inheriting cancellation,
// so server shutdown lets the in-flight chunk finish before draining.
func (r *Runner) recognitionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if r.cfg.RecognitionTimeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, r.cfg.RecognitionTimeout)
}

func (r *Runner) emit(ctx context.Context, s *session, ev stt.Event) error {
	s.agg.Apply(ev)
	text := strings.TrimSpace(ev.Text)
	switch ev.Kind {
	case stt.Partial:
		if !s.filter.allow(text, r.now()) {
			return nil
		}
		if err := r.send(ctx, s, protocol.NewPartial(text)); err != nil {
			return err
		}
		r.publishTranscript(s, text, true)
	case stt.Final:
		s.filter.reset(r.now())
		if text == "" {
			return nil
		}
		if err := r.send(ctx, s, protocol.NewFinal(text)); err != nil {
			return err
		}
		r.publishTranscript(s, text, false)
	}
	return nil
}

// drain flushes trailing recognition output, persists the session and
// performs the completion handshake.
func (r *Runner) drain(ctx context.Context, s *session, reason EndReason) Result {
	s.state = Draining
	s.log.Info("draining session", slog.String("reason", string(reason)))

	recCtx, cancel := r.recognitionContext(ctx)
	ev, ok, err := s.adapter.Flush(recCtx)
	cancel()
	if err != nil {
		return r.fail(ctx, s, err)
	}
	if ok {
		if err := r.emit(ctx, s, ev); err != nil {
			reason = EndDisconnect
		}
	}

	res := r.complete(ctx, s, reason)
	if err := r.send(ctx, s, protocol.NewComplete()); err != nil {
		s.log.Debug("completion not delivered", slogError(err))
	}
	r.close(ctx, s)
	return res
}

// fail ends the session after an engine fault: the client gets an error
// event, whatever was finalized so far is persisted, and no completion is sent.
func (r *Runner) fail(ctx context.Context, s *session, cause error) Result {
	s.log.Error("recognition failed", slogError(cause))
	if err := r.send(ctx, s, protocol.NewError("recognition failed")); err != nil {
		s.log.Debug("error event not delivered", slogError(err))
	}
	res := r.complete(ctx, s, EndRecognitionFailure)
	res.Err = cause
	r.close(ctx, s)
	return res
}

// salvage handles an abrupt disconnect: best-effort flush and persist, no
// further output.
func (r *Runner) salvage(ctx context.Context, s *session, reason EndReason) Result {
	s.gone = true
	if s.adapter != nil {
		recCtx, cancel := r.recognitionContext(ctx)
		ev, ok, err := s.adapter.Flush(recCtx)
		cancel()
		switch {
		case err != nil:
			s.log.Warn("flush during salvage failed", slogError(err))
		case ok:
			s.agg.Apply(ev)
		}
	}
	res := r.complete(ctx, s, reason)
	r.close(ctx, s)
	return res
}

// complete freezes the aggregate and persists it. It runs at most once per
// session whatever path leads here.
func (r *Runner) complete(ctx context.Context, s *session, reason EndReason) Result {
	s.persistOnce.Do(func() {
		s.agg.Freeze()
		s.endedAt = r.now()
		s.record = r.buildRecord(s, reason)
		if err := r.bridge.Persist(ctx, s.record); err != nil {
			r.metrics.PersistenceFailed(ctx)
			s.persistErr = err
		}
		s.state = Completed
	})
	return Result{
		ID:        s.id,
		Reason:    reason,
		Record:    s.record,
		Persisted: s.persistErr == nil,
		Err:       s.persistErr,
	}
}

func (r *Runner) buildRecord(s *session, reason EndReason) store.Record {
	var duration float64
	if !s.startedAt.IsZero() {
		duration = s.endedAt.Sub(s.startedAt).Seconds()
	}

	md := make(map[string]string, len(s.metadata)+6)
	for k, v := range s.metadata {
		md[k] = v
	}
	md["end_reason"] = string(reason)
	md["sample_rate"] = strconv.Itoa(r.cfg.SampleRate)
	md["audio_bytes"] = strconv.FormatInt(s.frames.BytesReceived(), 10)
	md["chunks"] = strconv.Itoa(s.frames.Frames())
	if !s.startedAt.IsZero() {
		md["started_at"] = s.startedAt.UTC().Format(time.RFC3339Nano)
	}
	md["ended_at"] = s.endedAt.UTC().Format(time.RFC3339Nano)

	return store.Record{
		ID:         s.id,
		Transcript: s.agg.Transcript(),
		WordCount:  s.agg.CommittedWordCount(),
		Duration:   duration,
		Metadata:   md,
		CreatedAt:  s.endedAt.UTC(),
	}
}

func (r *Runner) send(ctx context.Context, s *session, v any) error {
	if s.gone {
		return ErrTransportClosed
	}
	if err := s.transport.Send(context.WithoutCancel(ctx), v); err != nil {
		s.gone = true
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func (r *Runner) close(ctx context.Context, s *session) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CloseTimeout)
	defer cancel()
	if err := s.transport.Close(closeCtx); err != nil {
		s.log.Debug("close handshake incomplete", slogError(err))
	}
}

func (r *Runner) publishTranscript(s *session, text string, partial bool) {
	if r.publisher == nil {
		return
	}
	msg := protocol.Transcript{
		SessionID: s.id,
		Text:      text,
		Partial:   partial,
		Timestamp: r.now().UTC(),
	}
	if err := r.publisher.PublishTranscript(msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func (r *Runner) publishCompleted(s *session, res Result) {
	if r.publisher == nil {
		return
	}
	msg := protocol.SessionCompleted{
		SessionID: s.id,
		WordCount: res.Record.WordCount,
		Duration:  res.Record.Duration,
		EndReason: string(res.Reason),
		Persisted: res.Persisted,
		Timestamp: r.now().UTC(),
	}
	if err := r.publisher.PublishCompleted(msg); err != nil {
		s.log.Warn("failed to publish session completion", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
