package aichat

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// NoResponsePlaceholder is displayed when the provider succeeded but
	// returned no usable text.
	NoResponsePlaceholder = "< No response >"

	truncationMarker = "..."
	codeBlockOpen    = "```\n"
	codeBlockClose   = "\n```"
)

// FormatOptions controls how raw model output is rendered.
type FormatOptions struct {
	// MaxLength is the maximum number of characters displayed, including
	// the truncation marker and, if CodeBlock is set, the code fence.
	// Zero disables truncation.
	MaxLength int

	// CodeBlock wraps the output in a fenced code block.
	CodeBlock bool
}

// FormatResponse turns raw model output into display text. The same input
// always produces the same output, and short clean text passes through
// unchanged.
func FormatResponse(raw string, opts FormatOptions) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		text = NoResponsePlaceholder
	}

	budget := opts.MaxLength
	wrap := opts.CodeBlock
	if wrap && budget > 0 {
		budget -= utf8.RuneCountInString(codeBlockOpen) + utf8.RuneCountInString(codeBlockClose)
		if budget < 1 {
			wrap = false
			budget = opts.MaxLength
		}
	}

	if budget > 0 {
		text = truncateDisplay(text, budget)
	}
	if wrap {
		return codeBlockOpen + text + codeBlockClose
	}
	return text
}

// truncateDisplay shortens s to at most maxLength characters. When it has
// to cut, it keeps maxLength-3 characters, trims trailing whitespace and
// appends the truncation marker.
func truncateDisplay(s string, maxLength int) string {
	if utf8.RuneCountInString(s) <= maxLength {
		return s
	}
	runes := []rune(s)
	markerLen := utf8.RuneCountInString(truncationMarker)
	if maxLength <= markerLen {
		return string(runes[:maxLength])
	}
	kept := strings.TrimRightFunc(string(runes[:maxLength-markerLen]), unicode.IsSpace)
	return kept + truncationMarker
}
