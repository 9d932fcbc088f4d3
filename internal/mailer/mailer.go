package mailer

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"gopkg.in/gomail.v2"

	"github.com/shelfmark/shelfmark/internal/domain"
)

// Mailer sends transactional mail over SMTP. It is the email-dispatch
// collaborator the identity core hands verification codes to; formatting and
// delivery live here, outside the core.
type Mailer struct {
	config *mailerConfig
	dialer *gomail.Dialer
}

// NewMailer creates a Mailer from SMTP_* environment variables.
func NewMailer() (*Mailer, error) {
	cfg, err := env.ParseAs[mailerConfig]()
	if err != nil {
		return nil, fmt.Errorf("parse mailer environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Mailer{
		config: &cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

// SendLinkingCode emails a one-time code confirming an account merge between
// two providers.
func (m *Mailer) SendLinkingCode(email, code string, existing, next domain.Provider, expiresInMinutes int) error {
	subject := "Confirm linking your Shelfmark accounts"
	htmlBody := fmt.Sprintf(`
		<p>Hi,</p>
		<p>A sign-in with <strong>%s</strong> matched the email on your existing <strong>%s</strong> account.</p>
		<p>Enter this code to confirm both accounts belong to you:</p>

		<p style="font-size:24px;letter-spacing:4px"><strong>%s</strong></p>

		<p>The code expires in %d minutes. If you did not try to sign in, you can
		safely ignore this email — nothing will be linked.</p>

		<p>Shelfmark</p>
	`, next, existing, code, expiresInMinutes)

	return m.sendHTML(email, subject, htmlBody)
}

func (m *Mailer) sendHTML(to, subject, htmlBody string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.config.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", htmlBody)

	return m.dialer.DialAndSend(msg)
}

// mailerConfig holds SMTP configuration for sending emails.
type mailerConfig struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM"`
}

func (c *mailerConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("missing SMTP_HOST environment variable")
	}
	if c.Username == "" {
		return fmt.Errorf("missing SMTP_USERNAME environment variable")
	}
	if c.Password == "" {
		return fmt.Errorf("missing SMTP_PASSWORD environment variable")
	}
	if c.From == "" {
		return fmt.Errorf("missing SMTP_FROM environment variable")
	}

	return nil
}
