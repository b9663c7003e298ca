package validator

import (
	"sort"
	"strings"
	"unicode/utf8"
)

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+v[f])
	}
	return strings.Join(parts, "; ")
}

// MaxMessageLength bounds a chat message. Review bodies are capped lower by
// the backend; chat content only needs a sanity ceiling.
const MaxMessageLength = 4096

func ValidateMessageContent(content string) ValidationErrors {
	errs := make(ValidationErrors)

	if strings.TrimSpace(content) == "" {
		errs.Add("content", "Message cannot be empty")
	} else if utf8.RuneCountInString(content) > MaxMessageLength {
		errs.Add("content", "Message is too long")
	}

	return errs
}
