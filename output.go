package main

import (
	"fmt"
	"io"
	"regexp"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

type Hint int

const (
	HintInfo Hint = iota
	HintWarn
	HintError
	HintSend
	HintSendTls
	HintRecv
	HintRecvTls
	HintAccept
	HintReject
	HintDefer
)

type Style struct {
	Tag   string
	Color *color.Color
}

func Error(err error) {
	Errorf("%s\n", err.Error())
}

func Errorf(msg string, args ...interface{}) {
	color.HiRed(msg, args...)
}

func Fatal(err error) {
	if !errors.Is(err, nil) {
		Error(err)
	}
	var ex ExitError
	if errors.As(err, &ex) {
		Exit(ex.exit)
	}
	Exit(ExitOther)
}

// Outcome prints a single green or red result line to w.
func Outcome(w io.Writer, ok bool, msg string, args ...interface{}) {
	c := color.New(color.FgHiGreen)
	if !ok {
		c = color.New(color.FgHiRed)
	}
	_, _ = c.Fprintf(w, msg+"\n", args...)
}

var lineEndRE = regexp.MustCompile(`\r?\n`)

var acceptRe = regexp.MustCompile(`^[0-36-9][0-9]{2}`)
var deferRe = regexp.MustCompile(`^4[0-9]{2}`)
var rejectRe = regexp.MustCompile(`^5[0-9]{2}`)

func (c *Client) Message(hint Hint, msg string) {
	if c.tls {
		switch hint {
		case HintSend:
			hint = HintSendTls
		case HintRecv:
			hint = HintRecvTls
		}
	}
	c.config.Message(hint, msg)
}

// Message writes one line of the SMTP transcript. Nothing is shown unless
// --verbose was given.
func (config Config) Message(hint Hint, msg string) {
	if !config.Verbose {
		return
	}

	t, ok := config.Colors[hint]
	if !ok {
		return
	}
	lines := lineEndRE.Split(msg, -1)
	for _, line := range lines {
		textColor := t.Color
		if hint == HintRecv || hint == HintRecvTls {
			switch {
			case acceptRe.MatchString(line):
				textColor = config.Colors[HintAccept].Color
			case deferRe.MatchString(line):
				textColor = config.Colors[HintDefer].Color
			case rejectRe.MatchString(line):
				textColor = config.Colors[HintReject].Color
			}
		}
		_, _ = textColor.Printf("%s %s\n", t.Tag, line)
	}
}

func (c *Client) Messagef(hint Hint, msg string, args ...interface{}) {
	c.Message(hint, fmt.Sprintf(msg, args...))
}

func (config Config) Messagef(hint Hint, msg string, args ...interface{}) {
	config.Message(hint, fmt.Sprintf(msg, args...))
}
