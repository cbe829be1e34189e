package types

import (
	"regexp"
	"strings"
)

const (
	// MaxContentBytes bounds a text message body.
	MaxContentBytes = 4000
	// MaxImageRefBytes bounds an image reference (usually a storage URL).
	MaxImageRefBytes = 2048
)

// Compiled once, validation runs on every inbound frame.
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user ID meets format requirements.
// Ids are opaque to the coordinator; uuids and short slugs both pass.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// ValidateMessageBody enforces that at least one of content or imageRef is
// present and that neither exceeds its size bound. Blank strings count as absent.
func ValidateMessageBody(content, imageRef *string) error {
	hasContent := content != nil && strings.TrimSpace(*content) != ""
	hasImage := imageRef != nil && strings.TrimSpace(*imageRef) != ""
	if !hasContent && !hasImage {
		return ErrInvalidMessage
	}
	if hasContent && len(*content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	if hasImage && len(*imageRef) > MaxImageRefBytes {
		return ErrImageRefTooLarge
	}
	return nil
}

// NormalizeBody drops blank fields so they are stored as NULL.
func NormalizeBody(content, imageRef *string) (*string, *string) {
	if content != nil && strings.TrimSpace(*content) == "" {
		content = nil
	}
	if imageRef != nil {
		trimmed := strings.TrimSpace(*imageRef)
		if trimmed == "" {
			imageRef = nil
		} else {
			imageRef = &trimmed
		}
	}
	return content, imageRef
}

// IsValidNotificationType checks if t is one of the known notification types.
func IsValidNotificationType(t NotificationType) bool {
	switch t {
	case NotificationProfileView, NotificationProfileLike, NotificationMessageReceived:
		return true
	default:
		return false
	}
}
