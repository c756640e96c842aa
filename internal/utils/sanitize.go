package utils

import (
	"net/url"
	"strings"
)

const redacted = "*****"

// credentialParams are query parameters that carry secrets in the
// connection strings this service accepts, compared case-insensitively.
var credentialParams = map[string]struct{}{
	"password":          {},
	"pass":              {},
	"secret":            {},
	"token":             {},
	"key":               {},
	"apikey":            {},
	"api_key":           {},
	"access_key":        {},
	"secret_key":        {},
	"access_key_id":     {},
	"secret_access_key": {},
	"session_token":     {},
}

// SanitizeConnectionString redacts the password of any URL userinfo and
// the value of credential query parameters, so the string can be logged.
// Plain file paths and strings without secrets come back unchanged.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	base, query, hasQuery := strings.Cut(connStr, "?")
	base = redactUserinfo(base)
	if !hasQuery {
		return base
	}
	return base + "?" + redactQuery(query)
}

// redactUserinfo handles single and multi-host authorities such as
// mongodb://user:pass@h1:27017,h2:27017/db.
func redactUserinfo(base string) string {
	scheme, rest, ok := strings.Cut(base, "://")
	if !ok {
		return base
	}
	authority, path := rest, ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		authority, path = rest[:i], rest[i:]
	}
	at := strings.LastIndexByte(authority, '@')
	if at < 0 {
		return base
	}
	user, _, hasPassword := strings.Cut(authority[:at], ":")
	if !hasPassword {
		return base
	}
	return scheme + "://" + user + ":" + redacted + authority[at:] + path
}

func redactQuery(query string) string {
	parts := strings.Split(query, "&")
	for i, part := range parts {
		key, _, hasValue := strings.Cut(part, "=")
		if !hasValue {
			continue
		}
		if name, err := url.QueryUnescape(key); err == nil && isCredential(name) {
			parts[i] = key + "=" + redacted
		}
	}
	return strings.Join(parts, "&")
}

func isCredential(name string) bool {
	name = strings.ToLower(name)
	if strings.HasPrefix(name, "x-amz-") {
		return true
	}
	_, ok := credentialParams[name]
	return ok
}
