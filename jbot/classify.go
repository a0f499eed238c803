package jbot

import (
	"strings"
	"unicode/utf8"
)

// Prompt markers, used to tag audit log entries
const (
	markerComplex = "🧠"
	markerShort   = "❓"
	markerGeneric = "💬"
)

const shortPromptLength = 20

var complexPromptKeywords = []string{
	"كيف",
	"لماذا",
	"اشرح",
	"explain",
	"how",
	"why",
}

// classifyPrompt returns a marker for the kind of question asked. It's
// only used to decorate log messages.
func classifyPrompt(prompt string) string {
	lower := strings.ToLower(prompt)
	for _, kw := range complexPromptKeywords {
		if strings.Contains(lower, kw) {
			return markerComplex
		}
	}
	if utf8.RuneCountInString(prompt) < shortPromptLength {
		return markerShort
	}
	return markerGeneric
}
