package secrets

import (
	"strings"
)

const mask = "***"

// Redactor replaces secret values with a mask in captured output so secret
// material never reaches persisted logs, even when a step echoes it.
type Redactor struct {
	replacer *strings.Replacer
}

// NewRedactor builds a redactor over the given values. Empty values are
// ignored; they would otherwise corrupt every line.
func NewRedactor(values []string) *Redactor {
	pairs := make([]string, 0, len(values)*2)
	for _, v := range values {
		if v == "" {
			continue
		}
		pairs = append(pairs, v, mask)
	}
	if len(pairs) == 0 {
		return &Redactor{}
	}
	return &Redactor{replacer: strings.NewReplacer(pairs...)}
}

// Redact masks every known secret value in s.
func (r *Redactor) Redact(s string) string {
	if r == nil || r.replacer == nil {
		return s
	}
	return r.replacer.Replace(s)
}
