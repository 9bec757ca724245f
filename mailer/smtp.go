// Package mailer provides an SMTP implementation of the engine's
// outbound email boundary using gomail.
package mailer

import (
	"context"
	"fmt"
	"html"

	"gopkg.in/gomail.v2"
)

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// ProductName appears in subjects and bodies.
	ProductName string
}

// SMTP sends the engine's emails through a single SMTP account. Safe
// for concurrent use; gomail dials per message.
type SMTP struct {
	dialer  *gomail.Dialer
	from    string
	product string
}

// NewSMTP returns a mailer for the given SMTP account.
func NewSMTP(cfg Config) *SMTP {
	product := cfg.ProductName
	if product == "" {
		product = "Identity"
	}
	return &SMTP{
		dialer:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:    cfg.From,
		product: product,
	}
}

// SendLoginCode emails the sign-in verification code.
func (s *SMTP) SendLoginCode(ctx context.Context, email, code string) error {
	body := fmt.Sprintf(`
		<h3>Your sign-in code</h3>
		<p>Enter this code to finish signing in to %s:</p>
		<p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p>
		<p>If you did not try to sign in, change your password now.</p>
	`, html.EscapeString(s.product), html.EscapeString(code))
	return s.send(ctx, email, s.product+" sign-in code", body)
}

// SendForgotPasswordCode emails the password-reset code.
func (s *SMTP) SendForgotPasswordCode(ctx context.Context, email, code string) error {
	body := fmt.Sprintf(`
		<h3>Password reset requested</h3>
		<p>We received a request to reset the password for your account.</p>
		<p>Enter this code to continue:</p>
		<p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p>
		<p>If you did not request this change, you can ignore this email.</p>
	`, html.EscapeString(code))
	return s.send(ctx, email, s.product+" password reset", body)
}

// SendInvite emails the invite link.
func (s *SMTP) SendInvite(ctx context.Context, email, inviteURL string) error {
	escaped := html.EscapeString(inviteURL)
	body := fmt.Sprintf(`
		<h3>You've been invited to %s</h3>
		<p>Follow this link to set up your account:</p>
		<p><a href="%s">%s</a></p>
		<p>The link expires; ask your administrator for a new one if it
		has stopped working.</p>
	`, html.EscapeString(s.product), escaped, escaped)
	return s.send(ctx, email, "You've been invited to "+s.product, body)
}

// SendInviteCode emails the invite email-verification code.
func (s *SMTP) SendInviteCode(ctx context.Context, email, code string) error {
	body := fmt.Sprintf(`
		<h3>Verify your email</h3>
		<p>Enter this code to verify your email address:</p>
		<p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p>
	`, html.EscapeString(code))
	return s.send(ctx, email, s.product+" email verification", body)
}

// SendPasswordChangeCode emails the password-change confirmation code.
func (s *SMTP) SendPasswordChangeCode(ctx context.Context, email, code string) error {
	body := fmt.Sprintf(`
		<h3>Confirm your password change</h3>
		<p>Enter this code to confirm changing your password:</p>
		<p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p>
		<p>If you did not start this change, change your password now.</p>
	`, html.EscapeString(code))
	return s.send(ctx, email, s.product+" password change", body)
}

func (s *SMTP) send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("mailer: send %q: %w", subject, err)
	}
	return nil
}
