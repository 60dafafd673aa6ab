package shout

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxShoutBytes = 1024
	MaxShoutChars = 280
)

// ErrInvalidText wraps every ValidateText failure.
var ErrInvalidText = errors.New("shout: invalid text")

// ValidateText checks that shout text is non-empty, valid UTF-8 and short.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidText)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidText)
	}
	if len(text) > MaxShoutBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidText, MaxShoutBytes)
	}
	if utf8.RuneCountInString(text) > MaxShoutChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrInvalidText, MaxShoutChars)
	}
	return nil
}
