package main

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"
)

// Placeholder values for a test send to an address that isn't in the CSV.
const (
	testName    = "Test Client"
	testCompany = "Test Company"
)

// Summary counts the outcome of a batch run.
type Summary struct {
	Successful int
	Failed     int
	Ineligible int // rows with no email address
	Skipped    int // rows whose domain failed --verify-mx
}

// Attempted is the number of messages handed to the Sender.
func (s Summary) Attempted() int {
	return s.Successful + s.Failed
}

// MailChecker decides whether an address is worth sending to.
type MailChecker interface {
	Check(ctx context.Context, address string) error
}

// Runner loads the template and recipients once and sends to each
// recipient in turn.
type Runner struct {
	Config  Config
	Logger  *slog.Logger
	Sender  Sender
	Checker MailChecker // optional
	Out     io.Writer
}

// Run sends the campaign, or the single test message with --test. Errors
// wrapping ErrPrecondition mean nothing was sent. Send failures are counted
// in the Summary, never returned.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	template, recipients, err := r.load()
	if err != nil {
		return Summary{}, err
	}
	p := Personalizer{Tokens: r.Config.Tokens()}

	if r.Config.Test {
		return Summary{}, r.runTest(ctx, template, recipients, p)
	}
	return r.runBatch(ctx, template, recipients, p)
}

func (r *Runner) load() (string, []Recipient, error) {
	template, err := LoadTemplate(r.Config.Template)
	if err != nil {
		withErr(r.Logger, err).Error("cannot read the HTML template, stopping")
		return "", nil, precondition(err)
	}
	r.Logger.Info("template loaded", "path", r.Config.Template, "bytes", len(template))

	recipients, err := LoadRecipients(r.Config.CSV, r.Config.delimiter)
	if err != nil {
		withErr(r.Logger, err).Error("cannot read the recipient list")
	}
	if len(recipients) == 0 {
		r.Logger.Error("no recipients found in the CSV file, stopping", "path", r.Config.CSV)
		if err != nil {
			return "", nil, precondition(err)
		}
		return "", nil, preconditionf("no recipients in %s", r.Config.CSV)
	}
	r.Logger.Info("recipients loaded", "path", r.Config.CSV, "count", len(recipients))
	return template, recipients, nil
}

func (r *Runner) runTest(ctx context.Context, template string, recipients []Recipient, p Personalizer) error {
	to := r.Config.TestEmail
	if to == "" {
		r.Logger.Error("test mode needs a test address, use --test-email")
		return preconditionf("no --test-email given")
	}
	recipient := r.testRecipient(recipients)
	body := p.Personalize(template, recipient)
	if r.Sender.Send(ctx, to, r.Config.Subject, body) {
		Outcome(r.Out, true, "Test email sent to %s", to)
	} else {
		Outcome(r.Out, false, "Failed to send test email to %s", to)
	}
	return nil
}

// testRecipient is the CSV row for the test address, if there is one, or a
// placeholder recipient.
func (r *Runner) testRecipient(recipients []Recipient) Recipient {
	to := r.Config.TestEmail
	for _, rec := range recipients {
		if strings.EqualFold(rec.Get(r.Config.EmailColumn), to) {
			r.Logger.Info("test address found in recipient list, using its fields", "to", to)
			return rec
		}
	}
	r.Logger.Info("test address not in recipient list, using placeholder fields", "to", to)
	return Recipient{
		r.Config.EmailColumn:   to,
		r.Config.NameColumn:    testName,
		r.Config.CompanyColumn: testCompany,
	}
}

func (r *Runner) runBatch(ctx context.Context, template string, recipients []Recipient, p Personalizer) (Summary, error) {
	var summary Summary
	var err error
	for i, rec := range recipients {
		if err = ctx.Err(); err != nil {
			r.Logger.Warn("run interrupted", "remaining", len(recipients)-i)
			break
		}
		to := rec.Get(r.Config.EmailColumn)
		if to == "" {
			r.Logger.Warn("recipient has no email address, skipping", "index", i, "recipient", map[string]string(rec))
			summary.Ineligible++
			continue
		}
		if r.Checker != nil {
			if cerr := r.Checker.Check(ctx, to); cerr != nil {
				if errors.Is(cerr, ErrNoMX) {
					withErr(r.Logger, cerr).Warn("recipient domain does not accept mail, skipping", "to", to)
					summary.Skipped++
					continue
				}
				withErr(r.Logger, cerr).Warn("could not verify recipient domain, sending anyway", "to", to)
			}
		}

		body := p.Personalize(template, rec)
		if r.Sender.Send(ctx, to, r.Config.Subject, body) {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}

	r.Logger.Info("sending complete",
		"successful", summary.Successful,
		"failed", summary.Failed,
		"ineligible", summary.Ineligible,
		"skipped", summary.Skipped,
	)
	Outcome(r.Out, summary.Failed == 0 && err == nil,
		"Sending complete: %d sent successfully, %d failed.", summary.Successful, summary.Failed)
	return summary, err
}

// Preview writes the message that the first eligible recipient (or the test
// address with --test) would get to w. Nothing is sent.
func (r *Runner) Preview(w io.Writer, build func(to, subject, body string) (*mail.Msg, error)) error {
	template, recipients, err := r.load()
	if err != nil {
		return err
	}
	p := Personalizer{Tokens: r.Config.Tokens()}

	var to string
	var rec Recipient
	if r.Config.Test {
		if r.Config.TestEmail == "" {
			r.Logger.Error("test mode needs a test address, use --test-email")
			return preconditionf("no --test-email given")
		}
		to, rec = r.Config.TestEmail, r.testRecipient(recipients)
	} else {
		for _, candidate := range recipients {
			if addr := candidate.Get(r.Config.EmailColumn); addr != "" {
				to, rec = addr, candidate
				break
			}
		}
		if to == "" {
			r.Logger.Error("no recipient has an email address", "column", r.Config.EmailColumn)
			return preconditionf("no recipient has a '%s' column", r.Config.EmailColumn)
		}
	}

	msg, err := build(to, r.Config.Subject, p.Personalize(template, rec))
	if err != nil {
		return err
	}
	_, err = msg.WriteTo(w)
	return errors.Wrap(err, "failed to write message")
}
