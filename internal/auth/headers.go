// Package auth turns decrypted connection credentials into outbound HTTP
// headers.
package auth

import (
	"encoding/base64"
	"strings"

	"github.com/rendis/conex/internal/secrets"
)

// Scheme types accepted in a node's "auth" config.
const (
	SchemeBearer = "bearer"
	SchemeBasic  = "basic"
	SchemeAPIKey = "apiKey"
	SchemeHeader = "header"
	SchemeCustom = "custom"
)

const defaultHeader = "Authorization"

// Scheme forces a single auth scheme instead of the priority search.
// Key names the credential field holding the secret value.
type Scheme struct {
	Type   string `json:"type"`
	Key    string `json:"key,omitempty"`
	Header string `json:"header,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// SchemeFromConfig reads a scheme from a node config value. Anything that is
// not an object with a "type" yields nil.
func SchemeFromConfig(raw any) *Scheme {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	if str("type") == "" {
		return nil
	}
	return &Scheme{Type: str("type"), Key: str("key"), Header: str("header"), Prefix: str("prefix")}
}

// BuildHeaders returns the headers for creds. With a nil scheme the first
// populated of apiKey, bearerToken, username/password and customHeaders wins.
// Missing credentials are not an error: the result is simply empty.
func BuildHeaders(creds secrets.Credentials, scheme *Scheme) map[string]string {
	headers := make(map[string]string)
	if len(creds) == 0 {
		return headers
	}
	if scheme != nil {
		applyScheme(headers, creds, scheme)
		return headers
	}

	switch {
	case creds.Has(secrets.FieldAPIKey):
		name := headerOr(creds.String(secrets.FieldAPIKeyHeader))
		value := creds.String(secrets.FieldAPIKey)
		if prefix := creds.String(secrets.FieldAPIKeyPrefix); prefix != "" {
			value = prefix + " " + value
		}
		headers[name] = value
	case creds.Has(secrets.FieldBearerToken):
		headers[headerOr(creds.String(secrets.FieldTokenHeader))] = "Bearer " + creds.String(secrets.FieldBearerToken)
	case creds.Has(secrets.FieldUsername) && creds.Has(secrets.FieldPassword):
		headers[defaultHeader] = basic(creds.String(secrets.FieldUsername), creds.String(secrets.FieldPassword))
	case creds.Has(secrets.FieldCustomHeaders):
		for k, v := range ParseCustomHeaders(creds.String(secrets.FieldCustomHeaders)) {
			headers[k] = v
		}
	}
	return headers
}

func applyScheme(headers map[string]string, creds secrets.Credentials, s *Scheme) {
	switch s.Type {
	case SchemeBearer:
		token := creds.String(keyOr(s.Key, secrets.FieldBearerToken))
		if token != "" {
			headers[headerOr(s.Header)] = "Bearer " + token
		}
	case SchemeBasic:
		user, pass := creds.String(secrets.FieldUsername), creds.String(secrets.FieldPassword)
		if user != "" && pass != "" {
			headers[defaultHeader] = basic(user, pass)
		}
	case SchemeAPIKey, SchemeHeader:
		value := creds.String(keyOr(s.Key, secrets.FieldAPIKey))
		if value == "" {
			return
		}
		name := s.Header
		if name == "" {
			name = headerOr(creds.String(secrets.FieldAPIKeyHeader))
		}
		prefix := s.Prefix
		if prefix == "" && s.Type == SchemeAPIKey {
			prefix = creds.String(secrets.FieldAPIKeyPrefix)
		}
		if prefix != "" {
			value = prefix + " " + value
		}
		headers[name] = value
	case SchemeCustom:
		for k, v := range ParseCustomHeaders(creds.String(keyOr(s.Key, secrets.FieldCustomHeaders))) {
			headers[k] = v
		}
	}
}

// redactionSchemes are every way a node may turn the same credentials into
// headers, so SecretValues covers the forced schemes as well.
var redactionSchemes = []*Scheme{
	nil,
	{Type: SchemeBearer},
	{Type: SchemeBearer, Key: secrets.FieldAPIKey},
	{Type: SchemeBasic},
	{Type: SchemeAPIKey},
	{Type: SchemeCustom},
}

// SecretValues returns every header value creds can produce, plus the
// token after the scheme word ("Basic <b64>" yields both forms) and each
// value parsed out of a customHeaders block. Used for redaction.
func SecretValues(creds secrets.Credentials) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, scheme := range redactionSchemes {
		for _, v := range BuildHeaders(creds, scheme) {
			add(v)
			if _, token, ok := strings.Cut(v, " "); ok {
				add(token)
			}
		}
	}
	for _, v := range ParseCustomHeaders(creds.String(secrets.FieldCustomHeaders)) {
		add(v)
	}
	return out
}

// ParseCustomHeaders parses a "Name: Value" per line block. Lines without a
// colon, or with an empty name or value, are skipped.
func ParseCustomHeaders(block string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(block, "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if name == "" || value == "" || strings.ContainsAny(name, " \t") {
			continue
		}
		out[name] = value
	}
	return out
}

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func headerOr(name string) string {
	if name == "" {
		return defaultHeader
	}
	return name
}

func keyOr(key, fallback string) string {
	if key == "" {
		return fallback
	}
	return key
}
