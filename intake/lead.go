package intake

import (
	"net/mail"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Lead is the normalized identity part of an inbound payload.
type Lead struct {
	FirstName      string
	LastName       string
	Name           string
	Email          string
	Phone          string
	Company        string
	JobTitle       string
	Message        string
	IdempotencyKey string
	SubmissionID   string
	Consent        *bool
}

// Maximum lengths in characters. utm_* keys share utmMaxLen.
var fieldLimits = map[string]int{
	"first_name":      100,
	"last_name":       100,
	"name":            200,
	"email":           255,
	"phone":           50,
	"company":         200,
	"job_title":       150,
	"message":         5000,
	"notes":           5000,
	"idempotency_key": 191,
	"submission_id":   191,
}

const utmMaxLen = 255

// ParseLead validates a decoded payload and returns its normalized lead. The
// error, if any, is a *ValidationError.
func ParseLead(raw map[string]any) (Lead, error) {
	verr := &ValidationError{}
	str := func(key string) string {
		v, ok := raw[key]
		if !ok || v == nil {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			verr.add(key, "must be a string")
			return ""
		}
		if limit, ok := fieldLimits[key]; ok && utf8.RuneCountInString(s) > limit {
			verr.add(key, "may not be greater than "+strconv.Itoa(limit)+" characters")
		}
		return strings.TrimSpace(s)
	}

	lead := Lead{
		FirstName:      NormalizeText(str("first_name")),
		LastName:       NormalizeText(str("last_name")),
		Name:           NormalizeText(str("name")),
		Email:          str("email"),
		Phone:          str("phone"),
		Company:        str("company"),
		JobTitle:       str("job_title"),
		IdempotencyKey: str("idempotency_key"),
		SubmissionID:   str("submission_id"),
	}
	message := str("message")
	notes := str("notes")
	lead.Message = message
	if lead.Message == "" {
		lead.Message = notes
	}

	for key, v := range raw {
		if !strings.HasPrefix(key, "utm_") || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			verr.add(key, "must be a string")
			continue
		}
		if utf8.RuneCountInString(s) > utmMaxLen {
			verr.add(key, "may not be greater than "+strconv.Itoa(utmMaxLen)+" characters")
		}
	}

	if v, ok := raw["consent"]; ok && v != nil {
		b, isBool := v.(bool)
		if !isBool {
			verr.add("consent", "must be true or false")
		} else {
			lead.Consent = &b
		}
	}

	if lead.Email != "" {
		if !validEmail(lead.Email) {
			verr.add("email", "must be a valid email address")
		}
		lead.Email = NormalizeEmail(lead.Email)
	}

	if lead.Email == "" && lead.Phone == "" && DeriveDisplayName(lead.FirstName, lead.LastName, lead.Name) == "" {
		verr.add("contact", "at least one of email, phone or name is required")
	}

	if lead.Name != "" && lead.FirstName == "" && lead.LastName == "" {
		lead.FirstName, lead.LastName = splitName(lead.Name)
	}

	if !verr.empty() {
		return Lead{}, verr
	}
	return lead, nil
}

// validEmail accepts a bare address only, without display name or brackets.
func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && at < len(s)-1
}
