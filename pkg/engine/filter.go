// Copyright 2024-2026 Aiku AI

package engine

import (
	"strings"
	"unicode"

	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/store"
)

// renderText applies the content rules of a filter config to a message body
// and returns the text to forward. The second return is false when the
// message does not pass the filter at all.
//
// Content selectors are evaluated in a fixed precedence order; with none
// set the body is forwarded verbatim. Prefix and suffix are applied last.
func renderText(fc store.FilterConfig, text string) (string, bool) {
	body := strings.TrimSpace(text)
	if body == "" {
		return "", false
	}

	var out string
	switch {
	case fc.RawText:
		out = text
	case fc.NumbersOnly:
		if !isAllDigits(body) {
			return "", false
		}
		out = body
	case fc.AlphabetsOnly:
		if !isAllLetters(body) {
			return "", false
		}
		out = body
	case fc.RemovedAlphabetic:
		out = strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) {
				return -1
			}
			return r
		}, body)
		if strings.TrimSpace(out) == "" {
			return "", false
		}
	case fc.RemovedNumeric:
		out = strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return -1
			}
			return r
		}, body)
		if strings.TrimSpace(out) == "" {
			return "", false
		}
	default:
		out = body
	}

	return fc.Prefix + out + fc.Suffix, true
}

// isAllDigits reports whether s is non-empty and entirely decimal digits.
func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isAllLetters(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
