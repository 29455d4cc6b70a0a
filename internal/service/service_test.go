package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/host"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// errVoiceData is what wordModule returns for the word "fail", standing in
// for a voice whose data cannot be loaded.
var errVoiceData = errors.New("voice data missing")

// wordModule emits one wave buffer per word, panics on the word "boom" and
// returns errVoiceData on the word "fail".
type wordModule struct {
	sink   stage.Sink
	closed *atomic.Int32
}

func (m *wordModule) Init(context.Context) error { return nil }
func (m *wordModule) Close() error { m.closed.Add(1); return nil }
func (m *wordModule) Callback(sink stage.Sink) { m.sink = sink }
func (m *wordModule) Speak(_ context.Context, text string, _ synth.Voice) error {
	for _, w := range strings.Fields(text) {
		switch w {
		case "boom":
			panic("segfault")
		case "fail":
			return errVoiceData
		}
		m.sink.Emit(stage.KindTagged, []byte("diagnostics"))
		m.sink.Emit(stage.KindWave, []byte(w))
	}
	return nil
}

type fixture struct {
	host   *host.Host
	opens  *atomic.Int32
	closes *atomic.Int32
}

func newHost(t *testing.T) fixture {
	t.Helper()
	f := fixture{opens: new(atomic.Int32), closes: new(atomic.Int32)}
	loader := host.BuiltinLoader{Open: func(string) (host.Entrypoints, error) {
		f.opens.Add(1)
		return &wordModule{closed: f.closes}, nil
	}}
	f.host = host.New(loader, "builtin", newLogger())
	if err := f.host.Init(context.Background()); err != nil {
		t.Fatalf("init host: %v", err)
	}
	t.Cleanup(func() { _ = f.host.Close(context.Background()) })
	return f
}

func openStore(t *testing.T) *eventstore.Store {
	t.Helper()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	store, err := eventstore.Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func defaultOptions() Options {
	return Options{
		NodeID:       "node-test",
		DefaultVoice: synth.VoiceFormantMale,
		SpeakTimeout: 5 * time.Second,
		MaxTextBytes: 64,
	}
}

type recorder struct {
	chunks []protocol.SpeakChunk
}

func (r *recorder) send(c protocol.SpeakChunk) error {
	c.Wave = append([]byte(nil), c.Wave...)
	r.chunks = append(r.chunks, c)
	return nil
}

func (r *recorder) waves() []string {
	var out []string
	for _, c := range r.chunks {
		if !c.Final {
			out = append(out, string(c.Wave))
		}
	}
	return out
}

func (r *recorder) final(t *testing.T) protocol.SpeakChunk {
	t.Helper()
	finals := 0
	for _, c := range r.chunks {
		if c.Final {
			finals++
		}
	}
	last := r.chunks[len(r.chunks)-1]
	if finals != 1 || !last.Final {
		t.Fatalf("expected exactly one trailing final chunk, got %+v", r.chunks)
	}
	return last
}

func TestSpeakRelaysWaveBuffers(t *testing.T) {
	f := newHost(t)
	store := openStore(t)
	svc := New(context.Background(), defaultOptions(), f.host, store, nil, newLogger())

	var rec recorder
	evt := svc.Speak(context.Background(), protocol.SpeakRequest{RequestID: "r1", Text: "salam donya"}, rec.send)

	if got := strings.Join(rec.waves(), " "); got != "salam donya" {
		t.Fatalf("waves %q", got)
	}
	for i, c := range rec.chunks {
		if c.Sequence != i || c.RequestID != "r1" {
			t.Fatalf("chunk %d has sequence %d id %q", i, c.Sequence, c.RequestID)
		}
	}
	if final := rec.final(t); final.Error != "" {
		t.Fatalf("unexpected error %q", final.Error)
	}
	if evt.Chunks != 2 || evt.Voice != "formant-male" || evt.HostState != "ready" {
		t.Fatalf("event %+v", evt)
	}

	events, err := store.ListRequestEvents(context.Background(), "r1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Type != eventstore.EventAccepted || events[1].Type != eventstore.EventCompleted {
		t.Fatalf("journal %+v", events)
	}
	var logged protocol.SpeakEvent
	if err := json.Unmarshal(events[1].Payload, &logged); err != nil || logged.Chunks != 2 {
		t.Fatalf("journal payload %s (%v)", events[1].Payload, err)
	}
}

func TestSpeakAssignsRequestID(t *testing.T) {
	f := newHost(t)
	svc := New(context.Background(), defaultOptions(), f.host, nil, nil, newLogger())
	var rec recorder
	evt := svc.Speak(context.Background(), protocol.SpeakRequest{Text: "x"}, rec.send)
	if evt.RequestID == "" || rec.final(t).RequestID != evt.RequestID {
		t.Fatalf("expected generated id, event %+v", evt)
	}
}

func TestSpeakRejectsBeforeReachingModule(t *testing.T) {
	cases := map[string]protocol.SpeakRequest{
		"unknown voice":  {RequestID: "v", Text: "x", Voice: "robot"},
		"unserved voice": {RequestID: "u", Text: "x", Voice: "diphone-male"},
		"too long":       {RequestID: "l", Text: strings.Repeat("a", 65)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			f := newHost(t)
			store := openStore(t)
			opts := defaultOptions()
			opts.Voices = []synth.Voice{synth.VoiceFormantMale}
			svc := New(context.Background(), opts, f.host, store, nil, newLogger())

			var rec recorder
			svc.Speak(context.Background(), req, rec.send)
			if len(rec.chunks) != 1 || rec.final(t).Error == "" {
				t.Fatalf("expected a lone final chunk with error, got %+v", rec.chunks)
			}
			events, err := store.ListRequestEvents(context.Background(), req.RequestID, 10)
			if err != nil || len(events) != 1 || events[0].Type != eventstore.EventRejected {
				t.Fatalf("journal %+v (%v)", events, err)
			}
			if f.opens.Load() != 1 {
				t.Fatal("a rejected request must not disturb the module")
			}
		})
	}
}

func TestSpeakHidesCrash(t *testing.T) {
	f := newHost(t)
	svc := New(context.Background(), defaultOptions(), f.host, nil, nil, newLogger())

	var rec recorder
	evt := svc.Speak(context.Background(), protocol.SpeakRequest{Text: "one boom two"}, rec.send)
	if got := rec.waves(); len(got) != 1 || got[0] != "one" {
		t.Fatalf("expected the buffer emitted before the crash, got %q", got)
	}
	if final := rec.final(t); final.Error != "" || final.Sequence != 1 {
		t.Fatalf("crash must complete the stream normally, got %+v", final)
	}
	if evt.HostState != "ready" || f.opens.Load() != 2 || f.closes.Load() != 1 {
		t.Fatalf("expected reload, state %s opens %d closes %d", evt.HostState, f.opens.Load(), f.closes.Load())
	}
}

func TestSpeakCrashesInARowEachReload(t *testing.T) {
	f := newHost(t)
	svc := New(context.Background(), defaultOptions(), f.host, nil, nil, newLogger())
	for i := 0; i < 2; i++ {
		var rec recorder
		evt := svc.Speak(context.Background(), protocol.SpeakRequest{Text: "boom"}, rec.send)
		if final := rec.final(t); final.Error != "" || evt.HostState != "ready" {
			t.Fatalf("crash %d: final %+v state %s", i+1, final, evt.HostState)
		}
	}
	if f.opens.Load() != 3 {
		t.Fatalf("expected a reload per crash, opens %d", f.opens.Load())
	}
	var rec recorder
	svc.Speak(context.Background(), protocol.SpeakRequest{Text: "still here"}, rec.send)
	if got := strings.Join(rec.waves(), " "); got != "still here" {
		t.Fatalf("waves after crashes %q", got)
	}
}

func TestSpeakReportsModuleError(t *testing.T) {
	f := newHost(t)
	store := openStore(t)
	svc := New(context.Background(), defaultOptions(), f.host, store, nil, newLogger())

	var rec recorder
	evt := svc.Speak(context.Background(), protocol.SpeakRequest{RequestID: "m1", Text: "one fail"}, rec.send)
	final := rec.final(t)
	if !strings.Contains(final.Error, errVoiceData.Error()) || final.Sequence != 1 {
		t.Fatalf("expected the module error in the final chunk, got %+v", final)
	}
	if evt.HostState != "ready" || f.opens.Load() != 1 || f.closes.Load() != 0 {
		t.Fatalf("module error must not reload: state %s opens %d closes %d", evt.HostState, f.opens.Load(), f.closes.Load())
	}
	events, err := store.ListRequestEvents(context.Background(), "m1", 10)
	if err != nil || len(events) != 2 || events[1].Type != eventstore.EventFailed {
		t.Fatalf("journal %+v (%v)", events, err)
	}
}

func TestSpeakReportsUnavailableHost(t *testing.T) {
	f := newHost(t)
	if err := f.host.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc := New(context.Background(), defaultOptions(), f.host, nil, nil, newLogger())
	var rec recorder
	svc.Speak(context.Background(), protocol.SpeakRequest{Text: "hello"}, rec.send)
	if final := rec.final(t); !strings.Contains(final.Error, host.ErrUnavailable.Error()) {
		t.Fatalf("expected unavailable error, got %+v", final)
	}
}

func TestSendFailureLetsSynthesisFinish(t *testing.T) {
	f := newHost(t)
	svc := New(context.Background(), defaultOptions(), f.host, nil, nil, newLogger())
	calls := 0
	svc.Speak(context.Background(), protocol.SpeakRequest{Text: "a b c"}, func(protocol.SpeakChunk) error {
		calls++
		return errors.New("gone")
	})
	if calls != 2 {
		t.Fatalf("expected one failed wave and one final attempt, got %d", calls)
	}
	if f.opens.Load() != 1 || f.host.State() != host.StateReady {
		t.Fatal("a vanished caller must not reload the module")
	}
}

type noCounterProvider struct{ noop.MeterProvider }

func (noCounterProvider) Meter(string, ...metric.MeterOption) metric.Meter { return noCounterMeter{} }

type noCounterMeter struct{ noop.Meter }

func (noCounterMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("counters unavailable")
}

func TestServiceRunsWithoutMetrics(t *testing.T) {
	f := newHost(t)
	otel.SetMeterProvider(noCounterProvider{})
	t.Cleanup(func() { otel.SetMeterProvider(noop.NewMeterProvider()) })

	var logs bytes.Buffer
	svc := New(context.Background(), defaultOptions(), f.host, nil, nil, slog.New(slog.NewTextHandler(&logs, nil)))
	if got := strings.Count(logs.String(), "failed to initialize service metrics"); got != 1 {
		t.Fatalf("expected one metrics warning, got %d:\n%s", got, logs.String())
	}
	var rec recorder
	svc.Speak(context.Background(), protocol.SpeakRequest{Text: "a b"}, rec.send)
	if got := strings.Join(rec.waves(), " "); got != "a b" || rec.final(t).Error != "" {
		t.Fatalf("waves %q chunks %+v", got, rec.chunks)
	}
}

func connectBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "service-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestNATSRelay(t *testing.T) {
	f := newHost(t)
	busClient := connectBus(t)
	svc := New(context.Background(), defaultOptions(), f.host, nil, busClient, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("service should be healthy once subscribed")
	}

	events, err := busClient.Conn().SubscribeSync(protocol.SubjectSpeakEvent)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var waves []string
	client := NewClient(busClient.Conn())
	final, err := client.Speak(ctx, protocol.SpeakRequest{RequestID: "n1", Text: "one boom"}, func(b []byte) error {
		waves = append(waves, string(b))
		return nil
	})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if !final.Final || len(waves) != 1 || waves[0] != "one" {
		t.Fatalf("final %+v waves %q", final, waves)
	}

	msg, err := events.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("speak event: %v", err)
	}
	var evt protocol.SpeakEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.RequestID != "n1" || evt.NodeID != "node-test" {
		t.Fatalf("event %+v (%v)", evt, err)
	}

	_, err = client.Speak(ctx, protocol.SpeakRequest{Text: "x", Voice: "robot"}, nil)
	if err == nil || !strings.Contains(err.Error(), "robot") {
		t.Fatalf("expected rejection to surface, got %v", err)
	}
}

func TestClosedServiceTurnsRequestsAway(t *testing.T) {
	f := newHost(t)
	busClient := connectBus(t)
	svc := New(context.Background(), defaultOptions(), f.host, nil, busClient, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	svc.Close()

	inbox := busClient.Conn().NewRespInbox()
	replies, err := busClient.Conn().SubscribeSync(inbox)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(protocol.SpeakRequest{RequestID: "late", Text: "hello"})
	svc.handleRequest(&nats.Msg{Subject: protocol.SubjectSpeakRequest, Reply: inbox, Data: data})

	msg, err := replies.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	var chunk protocol.SpeakChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil || !chunk.Final || chunk.Error != ErrClosed.Error() || chunk.RequestID != "late" {
		t.Fatalf("chunk %+v (%v)", chunk, err)
	}
	if f.opens.Load() != 1 {
		t.Fatal("a closed service must not reach the module")
	}
}

func dialWS(t *testing.T, svc *Service, opts WebSocketOptions) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(svc.WebSocketHandler(opts))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readStream(t *testing.T, conn *websocket.Conn) ([]string, protocol.SpeakChunk) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var waves []string
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ == websocket.BinaryMessage {
			waves = append(waves, string(data))
			continue
		}
		var final protocol.SpeakChunk
		if err := json.Unmarshal(data, &final); err != nil || !final.Final {
			t.Fatalf("expected final text frame, got %q (%v)", data, err)
		}
		return waves, final
	}
}

func TestWebSocketStreamsAudio(t *testing.T) {
	f := newHost(t)
	svc := New(context.Background(), defaultOptions(), f.host, nil, nil, newLogger())
	conn := dialWS(t, svc, WebSocketOptions{})

	for _, text := range []string{"salam donya", "boom"} {
		if err := conn.WriteJSON(protocol.SpeakRequest{Text: text}); err != nil {
			t.Fatal(err)
		}
		waves, final := readStream(t, conn)
		if final.Error != "" || len(waves) != len(strings.Fields(strings.ReplaceAll(text, "boom", ""))) {
			t.Fatalf("%q: waves %q final %+v", text, waves, final)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatal(err)
	}
	if _, final := readStream(t, conn); final.Error != "malformed request" {
		t.Fatalf("expected malformed request, got %+v", final)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	f := newHost(t)
	svc := New(context.Background(), defaultOptions(), f.host, nil, nil, newLogger())
	conn := dialWS(t, svc, WebSocketOptions{RatePerSec: 0.001, Burst: 1})

	for i, wantErr := range []string{"", "rate limited"} {
		if err := conn.WriteJSON(protocol.SpeakRequest{Text: "hi"}); err != nil {
			t.Fatal(err)
		}
		if _, final := readStream(t, conn); final.Error != wantErr {
			t.Fatalf("request %d: got error %q, want %q", i, final.Error, wantErr)
		}
	}
}
