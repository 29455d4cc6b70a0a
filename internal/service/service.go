// Package service exposes the module host as a streaming speech service over
// NATS and websocket.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/host"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// QueueGroup spreads speak requests across every node subscribed to them.
const QueueGroup = "loqa-tts"

var (
	ErrTextTooLong  = errors.New("text exceeds the request limit")
	ErrUnknownVoice = errors.New("voice not served by this node")
	// ErrClosed is reported to callers whose request arrives during shutdown.
	ErrClosed       = errors.New("speak service closed")
)

// Speaker is the module host as seen by the service.
type Speaker interface {
	Speak(ctx context.Context, text string, voice synth.Voice, sink stage.Sink) error
	State() host.State
}

type Options struct {
	NodeID       string
	DefaultVoice synth.Voice
	// Voices lists the voices accepted from callers. Empty accepts all.
	Voices       []synth.Voice
	SpeakTimeout time.Duration
	MaxTextBytes int
}

type Service struct {
	opts    Options
	speaker Speaker
	store   *eventstore.Store
	bus     *bus.Client
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger

	// closed stops new request goroutines once Close is waiting on wg.
	mu     sync.Mutex
	closed bool

	tracer   trace.Tracer
	requests metric.Int64Counter
	chunks   metric.Int64Counter
}

// New builds a service. store and busClient may be nil; without a bus the
// service only serves websocket callers.
func New(parent context.Context, opts Options, speaker Speaker, store *eventstore.Store, busClient *bus.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		opts:    opts,
		speaker: speaker,
		store:   store,
		bus:     busClient,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-tts/service"),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize service metrics", slogError(err))
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/service")
	var errs []error
	var err error
	if s.requests, err = meter.Int64Counter("loqa.tts.requests", metric.WithDescription("Speak requests by outcome")); err != nil {
		s.requests = noop.Int64Counter{}
		errs = append(errs, err)
	}
	if s.chunks, err = meter.Int64Counter("loqa.tts.chunks", metric.WithDescription("Audio chunks relayed to callers")); err != nil {
		s.chunks = noop.Int64Counter{}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Start subscribes to speak requests when a bus is configured.
func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSpeakRequest, QueueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectSpeakRequest, err)
	}
	s.sub = sub
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.bus == nil || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	if msg.Reply == "" {
		s.logger.Warn("dropping speak request without reply subject")
		return
	}
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		_ = s.publish(msg.Reply, protocol.SpeakChunk{Final: true, Error: "malformed request"})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.publish(msg.Reply, protocol.SpeakChunk{RequestID: req.RequestID, Final: true, Error: ErrClosed.Error()})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.Speak(s.ctx, req, func(chunk protocol.SpeakChunk) error {
			return s.publish(msg.Reply, chunk)
		})
	}()
}

func (s *Service) publish(subject string, chunk protocol.SpeakChunk) error {
	return s.bus.PublishJSON(subject, chunk)
}

// Speak runs one request through the host, relaying every wave buffer to
// send as it is produced and finishing with exactly one final chunk. A send
// failure stops relaying but lets synthesis run to completion, so a vanished
// caller never looks like a module crash.
func (s *Service) Speak(ctx context.Context, req protocol.SpeakRequest, send func(protocol.SpeakChunk) error) protocol.SpeakEvent {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx, span := s.tracer.Start(ctx, "service.speak", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.Int("text_bytes", len(req.Text)),
	))
	defer span.End()

	start := time.Now()
	evt := protocol.SpeakEvent{RequestID: req.RequestID, NodeID: s.opts.NodeID, Voice: req.Voice}
	logger := s.logger.With(slog.String("request_id", req.RequestID))

	outcome := eventstore.EventCompleted
	voice, err := s.accept(req)
	if err != nil {
		outcome = eventstore.EventRejected
	} else {
		evt.Voice = voice.String()
		s.journal(ctx, req, evt.Voice, eventstore.EventAccepted, nil)

		speakCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.opts.SpeakTimeout > 0 {
			speakCtx, cancel = context.WithTimeout(ctx, s.opts.SpeakTimeout)
		}
		var sendErr error
		err = s.speaker.Speak(speakCtx, req.Text, voice, func(kind stage.Kind, data []byte) {
			if kind != stage.KindWave || sendErr != nil {
				return
			}
			chunk := protocol.SpeakChunk{
				RequestID: req.RequestID,
				Sequence:  evt.Chunks,
				Wave:      data,
			}
			// send encodes synchronously, so data needs no copy.
			if sendErr = send(chunk); sendErr != nil {
				logger.Warn("caller stopped receiving audio", slogError(sendErr))
				return
			}
			evt.Chunks++
			evt.Bytes += len(data)
			s.chunks.Add(ctx, 1)
		})
		cancel()
		if err != nil {
			outcome = eventstore.EventFailed
		}
	}

	final := protocol.SpeakChunk{RequestID: req.RequestID, Sequence: evt.Chunks, Final: true}
	if err != nil {
		final.Error = err.Error()
		evt.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("speak request "+outcome, slogError(err))
	}
	if serr := send(final); serr != nil {
		logger.Warn("failed to send end of stream", slogError(serr))
	}

	evt.Duration = time.Since(start)
	evt.HostState = s.speaker.State().String()
	evt.FinishedAt = time.Now().UTC()
	s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	span.SetAttributes(attribute.Int("chunks", evt.Chunks), attribute.String("host_state", evt.HostState))

	payload, _ := json.Marshal(evt)
	s.journal(ctx, req, evt.Voice, outcome, payload)
	if s.bus != nil {
		if err := s.bus.Conn().Publish(protocol.SubjectSpeakEvent, payload); err != nil {
			logger.Warn("failed to publish speak event", slogError(err))
		}
	}
	logger.Debug("speak request finished",
		slog.Int("chunks", evt.Chunks),
		slog.Int("bytes", evt.Bytes),
		slog.Duration("duration", evt.Duration))
	return evt
}

func (s *Service) accept(req protocol.SpeakRequest) (synth.Voice, error) {
	if s.opts.MaxTextBytes > 0 && len(req.Text) > s.opts.MaxTextBytes {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrTextTooLong, len(req.Text), s.opts.MaxTextBytes)
	}
	voice := s.opts.DefaultVoice
	if req.Voice != "" {
		v, err := synth.ParseVoice(req.Voice)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnknownVoice, err)
		}
		voice = v
	}
	if len(s.opts.Voices) > 0 && !slices.Contains(s.opts.Voices, voice) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownVoice, voice)
	}
	return voice, nil
}

// journal records req and one event. The request row is written first so
// that rejected requests are journaled too.
func (s *Service) journal(ctx context.Context, req protocol.SpeakRequest, voice, typ string, payload []byte) {
	if s.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := s.store.AppendRequest(ctx, eventstore.Request{
		ID:        req.RequestID,
		NodeID:    s.opts.NodeID,
		Voice:     voice,
		TextBytes: len(req.Text),
	})
	if err == nil {
		err = s.store.AppendEvent(ctx, eventstore.Event{RequestID: req.RequestID, Type: typ, Payload: payload})
	}
	if err != nil {
		s.logger.Warn("failed to journal speak request", slog.String("request_id", req.RequestID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
