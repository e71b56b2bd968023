package content

import (
	"bytes"
	"fmt"
	"html"
	"net/mail"
	"strings"
	"unicode/utf8"

	"salesiq/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

const MaxMessageLength = 4000

var (
	policy   = bluemonday.UGCPolicy()
	strict   = bluemonday.StrictPolicy()
	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)

	ErrEmpty        = models.ErrEmptyMessage
	ErrTooLong      = fmt.Errorf("text is too long: %w", models.ErrInvalidInput)
	ErrInvalidEmail = fmt.Errorf("invalid email address: %w", models.ErrInvalidInput)
)

// Sanitize removes unsafe HTML using the UGC policy. Rendered agent messages
// pass through it.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// PlainText strips every tag and returns trimmed plain text. Entities are
// decoded because clients render the result as text, not HTML.
func PlainText(input string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(input)))
}

// MessageText validates and cleans a chat message body.
func MessageText(input string) (string, error) {
	text := PlainText(input)
	if text == "" {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return "", ErrTooLong
	}
	return text, nil
}

// RenderMarkdown renders agent-authored markdown to sanitised HTML.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return Sanitize(buf.String()), nil
}

// NormalizeEmail validates an address and returns it lowercased.
func NormalizeEmail(input string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(input))
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}
