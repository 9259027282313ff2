package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// NormalizeEmail case-folds and trims an address. It is the natural key used by
// the active-email uniqueness index.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeText trims and collapses runs of whitespace into single spaces.
func NormalizeText(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

// DeriveDisplayName picks the name shown for a contact: an explicit name wins,
// then first+last. It returns "" when neither is known.
func DeriveDisplayName(first, last, explicit string) string {
	if n := NormalizeText(explicit); n != "" {
		return n
	}
	return NormalizeText(first + " " + last)
}

// displayNameFallback is DeriveDisplayName for a stored contact, falling back to
// the email and then the phone number.
func displayNameFallback(c *Contact) string {
	if name := DeriveDisplayName(c.FirstName, c.LastName, c.DisplayName); name != "" {
		return name
	}
	if c.Email != nil && *c.Email != "" {
		return *c.Email
	}
	if c.Phone != nil {
		return *c.Phone
	}
	return ""
}

// hasPlaceholderName reports whether the contact's display name is empty or
// only the email or phone fallback.
func hasPlaceholderName(c *Contact) bool {
	switch {
	case c.DisplayName == "":
		return true
	case c.Email != nil && c.DisplayName == *c.Email:
		return true
	case c.Phone != nil && c.DisplayName == *c.Phone:
		return true
	}
	return false
}

// splitName splits "Jane van Dijk" into ("Jane", "van Dijk").
func splitName(full string) (string, string) {
	full = NormalizeText(full)
	if full == "" {
		return "", ""
	}
	first, rest, _ := strings.Cut(full, " ")
	return first, rest
}

// PayloadDigest returns the hex SHA-256 of the payload's canonical JSON encoding.
// encoding/json sorts map keys, so logically equal payloads hash the same.
func PayloadDigest(payload map[string]any, hexLen int) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return hashBytes(b, hexLen)
}

func hashBytes(b []byte, hexLen int) string {
	sum := sha256.Sum256(b)
	full := hex.EncodeToString(sum[:])
	if hexLen <= 0 || hexLen >= len(full) {
		return full
	}
	return full[:hexLen]
}
