package host

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
)

// Journal is an append-only text log of module lifecycle events, kept apart
// from the process log so it survives log rotation and restarts.
type Journal struct {
	f   *os.File
	log *slog.Logger
}

func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{f: f, log: slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))}, nil
}

func (j *Journal) Log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if j == nil {
		return
	}
	j.log.LogAttrs(ctx, level, msg, attrs...)
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.f.Close()
}
