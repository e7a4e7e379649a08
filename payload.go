package main

import (
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"
)

// MessageOptions are the parts of a message that are the same for every
// recipient in a run.
type MessageOptions struct {
	Preview         string
	ListUnsubscribe string
	Images          map[string]string // content-id -> path
	Logger          *slog.Logger
}

const previewStyle = "display:none;font-size:1px;line-height:1px;max-height:0;max-width:0;opacity:0;overflow:hidden;mso-hide:all;"

// BuildMessage assembles the MIME message for one recipient: the HTML body
// plus one inline part per image, each with a Content-ID matching its key so
// the HTML can refer to it as cid:key. Images that can't be read are logged
// and left out.
func BuildMessage(from, to, subject, body string, opts MessageOptions) (*mail.Msg, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, errors.Wrapf(err, "invalid sender address %q", from)
	}
	if err := m.To(to); err != nil {
		return nil, errors.Wrapf(err, "invalid recipient address %q", to)
	}
	m.Subject(subject)
	m.SetDate()
	m.SetMessageID()
	m.SetUserAgent(AppName + " v" + Version)
	// Stops Gmail collapsing identical newsletters into one thread
	m.SetGenHeader(mail.Header("X-Entity-Ref-ID"), uuid.NewString())
	if opts.ListUnsubscribe != "" {
		m.SetGenHeader(mail.Header("List-Unsubscribe"), opts.ListUnsubscribe)
	}

	m.SetBodyString(mail.TypeTextHTML, previewFragment(opts.Preview)+body)

	cids := make([]string, 0, len(opts.Images))
	for cid := range opts.Images {
		cids = append(cids, cid)
	}
	sort.Strings(cids)
	for _, cid := range cids {
		path := opts.Images[cid]
		if err := embedImage(m, cid, path); err != nil {
			logger.Warn("failed to attach image", "cid", cid, "path", path, "error", err.Error())
		}
	}
	return m, nil
}

func embedImage(m *mail.Msg, cid, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.EmbedReader(filepath.Base(path), f, mail.WithFileContentID(cid))
}

// previewFragment is the hidden text mail clients show next to the subject
// in the inbox list.
func previewFragment(preview string) string {
	if preview == "" {
		return ""
	}
	return `<div style="` + previewStyle + `">` + html.EscapeString(preview) + "</div>\n"
}
