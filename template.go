package main

import (
	"os"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
)

// ErrTemplateRead is returned when the HTML template can't be used.
var ErrTemplateRead = errors.New("failed to read template")

// LoadTemplate reads the whole HTML template at path. A leading byte order
// mark is dropped; anything that isn't valid UTF-8, or an empty file, is an
// error.
func LoadTemplate(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(ErrTemplateRead, "%s: %v", path, err)
	}
	if !utf8.Valid(raw) {
		return "", errors.Wrapf(ErrTemplateRead, "%s: not valid UTF-8", path)
	}
	text, err := unicode.UTF8BOM.NewDecoder().Bytes(raw)
	if err != nil {
		return "", errors.Wrapf(ErrTemplateRead, "%s: %v", path, err)
	}
	if len(text) == 0 {
		return "", errors.Wrapf(ErrTemplateRead, "%s: empty template", path)
	}
	return string(text), nil
}
