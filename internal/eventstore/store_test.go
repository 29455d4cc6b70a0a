package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendRequest(context.Background(), Request{ID: "r"}); err != nil {
		t.Fatalf("ephemeral append: %v", err)
	}
	reqs, err := es.RecentRequests(context.Background(), 10)
	if err != nil || reqs != nil {
		t.Fatalf("ephemeral store must record nothing, got %v %v", reqs, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendRequest(ctx, Request{ID: "req-123", NodeID: "node", Voice: "formant-male", TextBytes: 5}); err != nil {
		t.Fatalf("append request: %v", err)
	}
	for _, typ := range []string{EventAccepted, EventCompleted} {
		if err := es.AppendEvent(ctx, Event{RequestID: "req-123", Type: typ, Payload: []byte(typ)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListRequestEvents(ctx, "req-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != EventAccepted || string(events[1].Payload) != EventCompleted {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected creation time to round-trip")
	}

	reqs, err := es.RecentRequests(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Voice != "formant-male" || reqs[0].TextBytes != 5 {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestEventRequiresRequest(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendEvent(context.Background(), Event{RequestID: "nobody", Type: EventRejected}); err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxRequests: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRequest(ctx, Request{ID: "old"}); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RequestID: "old", Type: EventAccepted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid", "new"} {
		if err := es.AppendRequest(ctx, Request{ID: id}); err != nil {
			t.Fatalf("append request: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 1, 0, time.UTC) }
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListRequestEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old request pruned")
	}
	reqs, err := es.RecentRequests(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(reqs) != 1 || reqs[0].ID != "new" {
		t.Fatalf("expected only the newest request, got %+v", reqs)
	}
}
