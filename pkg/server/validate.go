package server

import (
	"regexp"
	"unicode/utf8"
)

var (
	identCharsetRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	credentialRe   = regexp.MustCompile(`^[0-9A-Fa-f]{64}$`)
)

// validIdentCharset reports whether s contains only tag/name characters
// (ASCII letters, digits, underscore, hyphen). Empty strings fail.
func validIdentCharset(s string) bool {
	return identCharsetRe.MatchString(s)
}

// validCredentialHash reports whether s is a well-formed credential
// hash: exactly 64 hex digits (a SHA-256 digest, hashed client-side)
func validCredentialHash(s string) bool {
	return credentialRe.MatchString(s)
}

// validTagLength checks a tag against the configured length bounds
func (c *ServerConfig) validTagLength(tag string) bool {
	n := len(tag)
	return n >= c.TagLengthMin && n <= c.TagLengthMax
}

// validNameLength checks a display name against the configured length bounds
func (c *ServerConfig) validNameLength(name string) bool {
	n := len(name)
	return n >= c.NameLengthMin && n <= c.NameLengthMax
}

// validMessageLength checks message text against the configured maximum.
// Length is counted in runes, not bytes.
func (c *ServerConfig) validMessageLength(text string) bool {
	return utf8.RuneCountInString(text) <= c.MaxMessageLength
}
