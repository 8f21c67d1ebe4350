package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxIDLength       = 100
	maxTitleLength    = 140
	maxCategoryLength = 50
	maxRefLength      = 2048
)

var (
	// IDRegex matches stream and participant identifiers. UUIDs and
	// dotted/colon-separated names are accepted.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	requiredSDPFields = []string{"v=", "o=", "s=", "t="}
)

func validateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	return validateID(streamID, "stream ID")
}

// ValidateParticipantID validates participant ID
func ValidateParticipantID(participantID string) error {
	return validateID(participantID, "participant ID")
}

// ValidateStreamTitle validates stream title. An empty title is allowed.
func ValidateStreamTitle(title string) error {
	if !utf8.ValidString(title) {
		return fmt.Errorf("stream title contains invalid characters")
	}
	return ValidateStringLength(strings.TrimSpace(title), 0, maxTitleLength, "stream title")
}

// ValidateCategory validates stream category. An empty category is allowed.
func ValidateCategory(category string) error {
	if !utf8.ValidString(category) {
		return fmt.Errorf("category contains invalid characters")
	}
	return ValidateStringLength(category, 0, maxCategoryLength, "category")
}

// ValidateThumbnailRef validates a thumbnail reference: empty, or a bounded
// string without whitespace.
func ValidateThumbnailRef(ref string) error {
	if ref == "" {
		return nil
	}
	if len(ref) > maxRefLength {
		return fmt.Errorf("thumbnail ref is too long (max %d characters)", maxRefLength)
	}
	if strings.ContainsAny(ref, " \t\r\n") {
		return fmt.Errorf("thumbnail ref must not contain whitespace")
	}
	return nil
}

// ValidateSDP performs a shape check on an SDP blob before it is relayed.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range requiredSDPFields {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStringLength validates string length
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
