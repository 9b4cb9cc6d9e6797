package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidationError rejects a message before any network call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "chat: invalid message: " + e.Reason
}

// ValidateContent checks that message content meets transmission
// requirements. Content that is empty after trimming is rejected.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Reason: "content is empty"}
	}
	if len(content) > MaxMessageBytes {
		return &ValidationError{Reason: fmt.Sprintf("content exceeds %d byte limit", MaxMessageBytes)}
	}
	if utf8.RuneCountInString(content) > MaxTextChars {
		return &ValidationError{Reason: fmt.Sprintf("content exceeds %d character limit", MaxTextChars)}
	}
	if !utf8.ValidString(content) {
		return &ValidationError{Reason: "content contains invalid UTF-8"}
	}
	return nil
}
