package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"agentmarket/core/events"
	"agentmarket/storage/sqlstore"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func paymentEvent(amount string, severity events.Severity) events.AuditEvent {
	return events.NewEvent(events.TypePayment, "buyer", "escrow_funded",
		map[string]string{"escrowId": "esc-1", "amountSats": amount},
		events.ResultSuccess, severity, time.Unix(1_700_000_000, 0))
}

func TestFanoutAttemptsEverySink(t *testing.T) {
	var delivered []string
	record := func(name string) events.Sink {
		return events.SinkFunc(func(_ context.Context, evt events.AuditEvent) error {
			delivered = append(delivered, name)
			return nil
		})
	}
	failing := events.SinkFunc(func(context.Context, events.AuditEvent) error {
		return errors.New("disk full")
	})
	fan := NewFanout().Add("first", record("first")).Add("broken", failing).Add("last", record("last")).Add("nil", nil)
	require.Equal(t, 3, fan.Len())

	err := fan.Emit(context.Background(), paymentEvent("10", events.SeverityInfo))
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken: disk full")
	require.Equal(t, []string{"first", "last"}, delivered)
}

func TestWriterSinkWritesJSONLines(t *testing.T) {
	buf := &bytes.Buffer{}
	sink := NewWriterSink(nopCloser{buf})
	first := paymentEvent("10", events.SeverityInfo)
	require.NoError(t, sink.Emit(context.Background(), first))
	require.NoError(t, sink.Emit(context.Background(), paymentEvent("20", events.SeverityInfo)))
	require.NoError(t, sink.Close())

	scanner := bufio.NewScanner(buf)
	var lines []events.AuditEvent
	for scanner.Scan() {
		var evt events.AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &evt))
		lines = append(lines, evt)
	}
	require.Len(t, lines, 2)
	require.Equal(t, first.ID, lines[0].ID)
	require.Equal(t, "20", lines[1].Details["amountSats"])
}

func TestFileSinkRotatingWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewFileSink(FileConfig{Path: path, MaxSizeMB: 1})
	require.NoError(t, err)
	require.NoError(t, sink.Emit(context.Background(), paymentEvent("10", events.SeverityInfo)))
	require.NoError(t, sink.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"action":"escrow_funded"`)

	_, err = NewFileSink(FileConfig{})
	require.Error(t, err)
}

func TestStoreSinkPersists(t *testing.T) {
	store, err := sqlstore.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sink := NewStoreSink(store)
	evt := paymentEvent("10", events.SeverityInfo)
	require.NoError(t, sink.Emit(context.Background(), evt))
	rows, err := store.ListAudit(context.Background(), sqlstore.AuditFilter{AgentID: "buyer"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, evt.ID, rows[0].ID)
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sink := NewLogSink(logger)
	require.NoError(t, sink.Emit(context.Background(), paymentEvent("10", events.SeverityInfo)))
	require.Zero(t, buf.Len())
	require.NoError(t, sink.Emit(context.Background(), paymentEvent("10", events.SeverityCritical)))
	require.Contains(t, buf.String(), `"level":"ERROR"`)
	require.Contains(t, buf.String(), `"escrowId":"esc-1"`)
}

func TestAlerterKindsAndThrottle(t *testing.T) {
	var alerts []Alert
	alerter := NewAlerter(0, 2, func(_ context.Context, a Alert) { alerts = append(alerts, a) })

	require.Empty(t, alerter.Kinds(paymentEvent("1000000", events.SeverityInfo)))
	require.Equal(t, []string{AlertLargePayment}, alerter.Kinds(paymentEvent("1000001", events.SeverityInfo)))
	require.Equal(t, []string{AlertSeverity, AlertLargePayment}, alerter.Kinds(paymentEvent("2000000", events.SeverityCritical)))

	for i := 0; i < 5; i++ {
		require.NoError(t, alerter.Emit(context.Background(), paymentEvent("10", events.SeverityError)))
	}
	require.Len(t, alerts, 2)
	require.Equal(t, AlertSeverity, alerts[0].Kind)

	require.NoError(t, alerter.Emit(context.Background(), paymentEvent("5000000", events.SeverityInfo)))
	require.Len(t, alerts, 3)
	require.Equal(t, AlertLargePayment, alerts[2].Kind)
}

func TestAlerterWithoutThrottle(t *testing.T) {
	count := 0
	alerter := NewAlerter(100, 0, func(context.Context, Alert) { count++ })
	for i := 0; i < 10; i++ {
		require.NoError(t, alerter.Emit(context.Background(), paymentEvent("500", events.SeverityInfo)))
	}
	require.Equal(t, 10, count)
}
