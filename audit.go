package identity

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Audit event types emitted by the engine. Controllers persist these as
// the system's security audit trail; the engine itself never writes logs.
const (
	AuditLoginAttempt         = "login_attempt"
	AuditLoginLockout         = "login_lockout"
	AuditTwoFactorAttempt     = "two_factor_attempt"
	AuditForgotPassword       = "forgot_password_request"
	AuditPasswordReset        = "password_reset"
	AuditInviteCreated        = "invite_created"
	AuditInviteResent         = "invite_resent"
	AuditInviteValidated      = "invite_validated"
	AuditInviteOTPSent        = "invite_otp_sent"
	AuditInviteOTPVerified    = "invite_otp_verified"
	AuditInviteCompleted      = "invite_completed"
	AuditInviteLocked         = "invite_locked"
	AuditPasswordChangeStart  = "password_change_start"
	AuditPasswordChangeFinish = "password_change_finish"
	AuditRateLimited          = "rate_limited"
)

// AuditEvent is one security-relevant outcome. Email is always the
// masked form; raw addresses and codes never appear in events.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	InviteID  string            `json:"invite_id,omitempty"`
	Purpose   string            `json:"purpose,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives events from the engine's dispatcher goroutine.
// Implementations must tolerate concurrent Emit calls.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards all events.
type NoOpSink struct{}

// Emit discards the event.
func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink buffers events on a channel for test assertions or custom
// pipelines.
type ChannelSink struct {
	events chan AuditEvent
}

// NewChannelSink creates a sink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

// Emit enqueues the event, abandoning it if ctx is cancelled first.
func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line to the wrapped writer.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink wraps w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

// Emit marshals and writes the event. Marshal failures are dropped;
// auditing must never take a flow down.
func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
