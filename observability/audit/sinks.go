// Package audit provides the sinks that receive audit events from the escrow,
// dispute, fraud and trust modules.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"agentmarket/core/events"
	"agentmarket/observability"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, evt events.AuditEvent) error {
	attrs := []slog.Attr{
		slog.String("event_id", evt.ID),
		slog.String("type", evt.Type),
		slog.String("agent_id", evt.AgentID),
		slog.String("action", evt.Action),
		slog.String("result", string(evt.Result)),
	}
	for _, key := range evt.DetailKeys() {
		attrs = append(attrs, slog.String(key, evt.Details[key]))
	}
	s.logger.LogAttrs(ctx, logLevel(evt.Severity), "audit", attrs...)
	return nil
}

func logLevel(s events.Severity) slog.Level {
	switch s {
	case events.SeverityDebug:
		return slog.LevelDebug
	case events.SeverityWarning:
		return slog.LevelWarn
	case events.SeverityError, events.SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FileConfig configures rotation for FileSink.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileSink appends events as JSON lines to a rotating file.
type FileSink struct {
	mu  sync.Mutex
	out io.WriteCloser
	enc *json.Encoder
}

// NewFileSink opens a rotating writer for cfg.Path.
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit: file path required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	return NewWriterSink(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}), nil
}

// NewWriterSink writes JSON lines to w.
func NewWriterSink(w io.WriteCloser) *FileSink {
	return &FileSink{out: w, enc: json.NewEncoder(w)}
}

func (s *FileSink) Emit(_ context.Context, evt events.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(evt)
}

// Close closes the underlying writer.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

// Inserter persists audit events; sqlstore.Store implements it.
type Inserter interface {
	InsertAudit(ctx context.Context, evt events.AuditEvent) error
}

// StoreSink persists events through an Inserter.
type StoreSink struct {
	store Inserter
}

// NewStoreSink wraps store.
func NewStoreSink(store Inserter) *StoreSink { return &StoreSink{store: store} }

func (s *StoreSink) Emit(ctx context.Context, evt events.AuditEvent) error {
	if err := s.store.InsertAudit(ctx, evt); err != nil {
		return fmt.Errorf("audit: persist %s: %w", evt.ID, err)
	}
	return nil
}

// Fanout delivers each event to every named sink. All sinks are attempted;
// failures are counted per sink and joined into the returned error.
type Fanout struct {
	names   []string
	sinks   []events.Sink
	metrics *observability.MarketMetrics
}

// NewFanout returns an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{metrics: observability.Market()}
}

// Add registers sink under name. Nil sinks are ignored.
func (f *Fanout) Add(name string, sink events.Sink) *Fanout {
	if sink == nil {
		return f
	}
	f.names = append(f.names, name)
	f.sinks = append(f.sinks, sink)
	return f
}

// Len returns the number of registered sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Emit(ctx context.Context, evt events.AuditEvent) error {
	var errs []error
	for i, sink := range f.sinks {
		if err := sink.Emit(ctx, evt); err != nil {
			f.metrics.RecordAuditFailure(f.names[i])
			errs = append(errs, fmt.Errorf("%s: %w", f.names[i], err))
		}
	}
	return errors.Join(errs...)
}
