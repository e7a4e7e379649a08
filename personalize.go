package main

import "strings"

// Token is a placeholder in the template and where its value comes from.
type Token struct {
	Placeholder string
	Column      string
	Fallback    string
}

type Personalizer struct {
	Tokens []Token
}

// Personalize returns a copy of template with every token replaced, in table
// order. A token whose column is missing or empty gets its Fallback.
// Replacement is purely textual; placeholders not in the table are left alone.
func (p Personalizer) Personalize(template string, r Recipient) string {
	out := template
	for _, t := range p.Tokens {
		value := r.Get(t.Column)
		if value == "" {
			value = t.Fallback
		}
		out = strings.ReplaceAll(out, t.Placeholder, value)
	}
	return out
}
