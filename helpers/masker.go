package helpers

import (
	"net/url"
	"strings"
)

// MaskSecret redacts a secret for logging, keeping only enough of it to tell
// two configured values apart.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "[REDACTED]"
	}
	return secret[:2] + strings.Repeat("*", 6) + "[REDACTED]"
}

// MaskURL removes the password from an ldap:// or ldaps:// URL so it can be logged.
// Strings that do not parse as URLs are returned unchanged.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), "REDACTED")
	return u.String()
}
