package logsink

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"playcast/broadcaster/stream"
)

type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

type Entry struct {
	StreamId stream.Id
	Level    Level
	Message  string
	Time     time.Time
}

// Sink is an append-only destination for per-stream log records. The engine
// never reads records back.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// Zap writes entries to a zap logger.
type Zap struct {
	sugar *zap.SugaredLogger
}

func NewZap(sugar *zap.SugaredLogger) *Zap {
	return &Zap{sugar: sugar.Named("streamlog")}
}

func (z *Zap) Append(_ context.Context, entry Entry) error {
	kv := []interface{}{"streamId", string(entry.StreamId), "at", entry.Time}
	switch entry.Level {
	case LevelError:
		z.sugar.Errorw(entry.Message, kv...)
	case LevelWarning:
		z.sugar.Warnw(entry.Message, kv...)
	default:
		z.sugar.Infow(entry.Message, kv...)
	}
	return nil
}

type multi []Sink

// Multi fans entries out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Append(ctx context.Context, entry Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reporter tags entries for one stream and swallows sink failures after
// logging them, so reporting never changes the outcome of an operation.
type Reporter struct {
	sugar    *zap.SugaredLogger
	sink     Sink
	streamId stream.Id
	now      func() time.Time
}

func NewReporter(sugar *zap.SugaredLogger, sink Sink, streamId stream.Id, now func() time.Time) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{sugar: sugar, sink: sink, streamId: streamId, now: now}
}

func (r *Reporter) Report(ctx context.Context, level Level, message string) {
	if r == nil || r.sink == nil {
		return
	}
	err := r.sink.Append(ctx, Entry{StreamId: r.streamId, Level: level, Message: message, Time: r.now()})
	if err != nil {
		r.sugar.Warnw("Failed to append stream log", "streamId", r.streamId, "error", err)
	}
}

func (r *Reporter) Info(ctx context.Context, message string) {
	r.Report(ctx, LevelInfo, message)
}

func (r *Reporter) Warn(ctx context.Context, message string) {
	r.Report(ctx, LevelWarning, message)
}

func (r *Reporter) Error(ctx context.Context, message string) {
	r.Report(ctx, LevelError, message)
}
