package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxRoomIDLength      = 128
	MaxDisplayNameLength = 64
	MaxChatTextLength    = 4096
)

// ValidateRoomID checks an opaque room identifier. Room ids are chosen by
// clients, so only length and printable characters are enforced.
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if utf8.RuneCountInString(roomID) > MaxRoomIDLength {
		return fmt.Errorf("room ID is too long (max %d characters)", MaxRoomIDLength)
	}
	if !utf8.ValidString(roomID) || strings.IndexFunc(roomID, unicode.IsControl) >= 0 {
		return fmt.Errorf("room ID contains invalid characters")
	}
	return nil
}

// ValidateConnID checks a server-assigned connection id.
func ValidateConnID(connID string) error {
	if connID == "" {
		return fmt.Errorf("connection ID is required")
	}
	if _, err := uuid.Parse(connID); err != nil {
		return fmt.Errorf("invalid connection ID format: %w", err)
	}
	return nil
}

// ValidateDisplayName validates a participant name. Empty is allowed and
// becomes the default name later.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(strings.TrimSpace(name), 0, MaxDisplayNameLength, "display name")
}

func ValidateChatText(text string) error {
	if err := ValidateNonEmptyString(text, "message text"); err != nil {
		return err
	}
	return ValidateStringLength(text, 1, MaxChatTextLength, "message text")
}

// ValidateServerURL validates a signaling endpoint URL
func ValidateServerURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
