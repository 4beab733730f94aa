// Package models defines the chat sessions, messages and personas exchanged
// with the journal backend.
package models

import (
	"strings"
	"unicode/utf8"
)

// maxTitleLen is the rune length of titles derived from a first message.
const maxTitleLen = 50

// Preview collapses whitespace in s and shortens it to maxLen runes,
// adding "..." when truncated.
func Preview(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string([]rune(s)[:maxLen])
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}

// TitleFromContent derives a session title from the first user message.
func TitleFromContent(content string) string {
	return Preview(content, maxTitleLen)
}
