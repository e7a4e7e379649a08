package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"
)

// Sender submits one personalized message and reports whether it was
// accepted. Failures are logged by the Sender, not returned.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) bool
}

var _ Sender = (*Mailer)(nil)

// Mailer sends each message over its own SMTP session.
type Mailer struct {
	config Config
	logger *slog.Logger
	auth   smtp.Auth
}

func NewMailer(config Config, logger *slog.Logger) *Mailer {
	m := &Mailer{
		config: config,
		logger: logger,
	}
	if config.Password != "" {
		m.auth = smtp.PlainAuth("", config.From, config.Password, config.Server)
	}
	return m
}

// Send builds and submits the message to a single recipient.
func (m *Mailer) Send(ctx context.Context, to, subject, body string) bool {
	if err := m.send(ctx, to, subject, body); err != nil {
		withErr(m.logger, err).Error("failed to send email", "to", to)
		return false
	}
	m.logger.Info("email sent", "to", to)
	return true
}

// Message builds the message for to without sending it.
func (m *Mailer) Message(to, subject, body string) (*mail.Msg, error) {
	return BuildMessage(m.config.From, to, subject, body, MessageOptions{
		Preview:         m.config.Preview,
		ListUnsubscribe: m.config.ListUnsubscribe,
		Images:          m.config.Images,
		Logger:          m.logger.With("to", to),
	})
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	msg, err := m.Message(to, subject, body)
	if err != nil {
		return err
	}
	var payload bytes.Buffer
	if _, err := msg.WriteTo(&payload); err != nil {
		return errors.Wrap(err, "failed to render message")
	}

	conn, err := Dial(ctx, m.config)
	if err != nil {
		return err
	}
	// Unblocks a session stuck on the network when the run is interrupted
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	client, err := NewClient(m.config, conn, m.config.Server)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "bad greeting")
	}
	err = sendTo(m.config, m.auth, to, client, payload.Bytes())
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
		return ctxErr
	}
	return err
}

func sendTo(config Config, auth smtp.Auth, to string, c *Client, payload []byte) error {
	defer c.Close()

	if err := c.hello(); err != nil {
		return errors.Wrap(err, "EHLO failed")
	}

	if config.UseStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errors.New("server does not offer STARTTLS")
		}
		tlsConfig := &tls.Config{
			ServerName:         config.Server,
			InsecureSkipVerify: config.Insecure, // #nosec G402 -- set by --insecure
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return errors.Wrap(err, "STARTTLS failed")
		}
	}

	if auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not offer AUTH")
		}
		if err := c.Auth(auth); err != nil {
			return errors.Wrap(err, "authentication failed")
		}
	}

	if err := c.Mail(config.From); err != nil {
		return errors.Wrap(err, "MAIL FROM rejected")
	}
	if err := c.Rcpt(to); err != nil {
		return errors.Wrap(err, "RCPT TO rejected")
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "DATA rejected")
	}

	// Only the headers go to the transcript; inline images make the body
	// unreadable.
	headers, _, _ := strings.Cut(string(payload), "\r\n\r\n")
	for _, line := range strings.Split(headers, "\r\n") {
		c.Message(HintSend, line)
	}
	c.Messagef(HintSend, "[%d bytes of body]", len(payload)-len(headers))

	if _, err = io.Copy(w, bytes.NewReader(payload)); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	if err = w.Close(); err != nil {
		return errors.Wrap(err, "message rejected")
	}
	if err = c.Quit(); err != nil {
		// The message was accepted; a failed QUIT doesn't change that.
		c.Messagef(HintWarn, "QUIT failed: %v", err)
	}
	return nil
}
