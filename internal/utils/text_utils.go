// Package utils holds small text helpers shared by the triage and store
// layers.
package utils

import (
	"unicode/utf8"
)

// Clip cuts text to at most maxSize bytes without splitting a UTF-8
// sequence and without appending any marker.
func Clip(text string, maxSize int) string {
	if maxSize <= 0 || len(text) <= maxSize {
		return text
	}
	clipped := text[:maxSize]
	for !utf8.ValidString(clipped) && len(clipped) > 0 {
		clipped = clipped[:len(clipped)-1]
	}
	return clipped
}

// SanitizeUTF8 ensures the string contains only valid UTF-8 characters
func SanitizeUTF8(text string) string {
	if utf8.ValidString(text) {
		return text
	}

	// Drop invalid sequences rather than inserting replacement runes
	result := make([]rune, 0, len(text))
	for i, r := range text {
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(text[i:])
			if size == 1 {
				continue
			}
		}
		result = append(result, r)
	}

	return string(result)
}
