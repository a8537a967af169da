package util

import (
	"net/mail"
	"strings"
)

// NormalizeSender returns the lower-cased address from a From header with
// any +alias removed, or "" when no address can be parsed. For a list, the
// first valid address wins. Dots in the local part are kept.
func NormalizeSender(fromHeader string) string {
	addr := parseFirstAddress(fromHeader)
	if addr == nil {
		return ""
	}
	email := strings.ToLower(strings.TrimSpace(addr.Address))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	if plus := strings.IndexByte(local, '+'); plus > -1 {
		local = local[:plus]
	}
	return local + "@" + domain
}

// DisplayName is the human part of a From header ("Twitter <n@x.com>" gives
// "Twitter"). Without one, the local part of normalized is title-cased
// on dots.
func DisplayName(fromHeader, normalized string) string {
	if addr := parseFirstAddress(fromHeader); addr != nil && strings.TrimSpace(addr.Name) != "" {
		return strings.TrimSpace(addr.Name)
	}
	at := strings.IndexByte(normalized, '@')
	if at <= 0 {
		return normalized
	}
	parts := strings.Split(normalized[:at], ".")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

func parseFirstAddress(header string) *mail.Address {
	if header == "" {
		return nil
	}
	if a, err := mail.ParseAddress(header); err == nil {
		return a
	}
	for _, p := range strings.Split(header, ",") {
		if a, err := mail.ParseAddress(strings.TrimSpace(p)); err == nil {
			return a
		}
	}
	return nil
}
