package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func drainEvents(t *testing.T, sink *ChannelSink, want int) []AuditEvent {
	t.Helper()
	events := make([]AuditEvent, 0, want)
	timeout := time.After(2 * time.Second)
	for len(events) < want {
		select {
		case event := <-sink.Events():
			events = append(events, event)
		case <-timeout:
			t.Fatalf("expected %d events, got %d", want, len(events))
		}
	}
	return events
}

func TestDispatcherDeliversAndFlushesOnClose(t *testing.T) {
	sink := NewChannelSink(16)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 16}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: AuditLoginAttempt})
	}
	d.Close()

	events := drainEvents(t, sink, 5)
	for _, event := range events {
		if event.EventType != AuditLoginAttempt {
			t.Fatalf("unexpected event type %q", event.EventType)
		}
	}
	if d.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", d.Dropped())
	}
}

func TestDispatcherDropsWhenConfigured(t *testing.T) {
	// A sink held shut keeps the buffer full so later emits must drop.
	sink := &heldSink{release: make(chan struct{})}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	for i := 0; i < 50; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: AuditLoginAttempt})
	}
	if d.Dropped() == 0 {
		t.Fatal("expected at least one dropped event")
	}

	close(sink.release)
	d.Close()
}

type heldSink struct {
	release chan struct{}
}

func (s *heldSink) Emit(context.Context, AuditEvent) {
	<-s.release
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("expected nil dispatcher when auditing is disabled")
	}
	// Nil receivers are safe.
	d.Emit(context.Background(), AuditEvent{})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("expected zero drops from nil dispatcher")
	}
}

func TestJSONWriterSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), AuditEvent{EventType: AuditLoginLockout, UserID: "u1", Reason: "threshold_reached"})
	sink.Emit(context.Background(), AuditEvent{EventType: AuditPasswordReset, Success: true})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first AuditEvent
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.EventType != AuditLoginLockout || first.UserID != "u1" {
		t.Fatalf("unexpected event %+v", first)
	}
}

func TestEngineEmitsMaskedEmailOnly(t *testing.T) {
	sink := NewChannelSink(16)
	te := newTestEngine(t, nil, withAuditSink(sink))
	te.seedActiveUser(t, "u1", "alice@example.com", "correct-password-123")

	if _, err := te.engine.BeginLogin(context.Background(), "alice@example.com", "wrong-password", "10.0.0.1", "ua"); err != nil {
		t.Fatalf("BeginLogin failed: %v", err)
	}
	te.engine.Close()

	events := drainEvents(t, sink, 1)
	if events[0].Email != "a***@example.com" {
		t.Fatalf("expected masked email in audit event, got %q", events[0].Email)
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("expected a stamped timestamp")
	}
}
