package main

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrRecipientRead is returned when the recipient list can't be parsed.
var ErrRecipientRead = errors.New("failed to read recipients")

// Recipient is one CSV row, keyed by header. Only cells with a non-empty
// trimmed key and value are present.
type Recipient map[string]string

// Get returns the value for column, or "" if the row doesn't have it.
func (r Recipient) Get(column string) string {
	return r[column]
}

// LoadRecipients parses the delimited file at path. The first row is the
// header. Rows that have no usable cells are skipped. On error the returned
// slice is empty.
func LoadRecipients(path string, delimiter rune) ([]Recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		return []Recipient{}, errors.Wrapf(ErrRecipientRead, "%s: %v", path, err)
	}
	defer f.Close()

	recipients, err := ParseRecipients(f, delimiter)
	if err != nil {
		return []Recipient{}, errors.Wrapf(ErrRecipientRead, "%s: %v", path, err)
	}
	return recipients, nil
}

// ParseRecipients does the work of LoadRecipients on an already open reader.
func ParseRecipients(r io.Reader, delimiter rune) ([]Recipient, error) {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	reader := csv.NewReader(transform.NewReader(r, decoder))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return []Recipient{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	recipients := []Recipient{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read row")
		}
		row := make(Recipient, len(header))
		for i, cell := range record {
			if i >= len(header) {
				break
			}
			key := header[i]
			value := strings.TrimSpace(cell)
			if key == "" || value == "" {
				continue
			}
			row[key] = value
		}
		if len(row) == 0 {
			continue
		}
		recipients = append(recipients, row)
	}
	return recipients, nil
}
