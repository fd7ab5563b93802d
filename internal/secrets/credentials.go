package secrets

import "fmt"

// Known credential field names.
const (
	FieldAPIKey        = "apiKey"
	FieldAPIKeyHeader  = "apiKeyHeader"
	FieldAPIKeyPrefix  = "apiKeyPrefix"
	FieldBearerToken   = "bearerToken"
	FieldTokenHeader   = "tokenHeader"
	FieldUsername      = "username"
	FieldPassword      = "password"
	FieldCustomHeaders = "customHeaders"
	FieldClientID      = "clientId"
	FieldClientSecret  = "clientSecret"
	FieldTokenURL      = "tokenUrl"
	FieldScope         = "scope"
)

// Credentials is a decrypted credential record. Field set depends on the
// connection type; unknown fields are carried through.
type Credentials map[string]any

// String returns field as a string, or "" when absent.
func (c Credentials) String(field string) string {
	v, ok := c[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Has reports whether field holds a non-empty value.
func (c Credentials) Has(field string) bool {
	return c.String(field) != ""
}

// Secrets returns every non-empty secret-bearing string value, for
// redaction. Header names and prefixes are not secrets and are left out.
func (c Credentials) Secrets() []string {
	var out []string
	for k, v := range c {
		switch k {
		case FieldAPIKeyHeader, FieldTokenHeader, FieldAPIKeyPrefix, FieldTokenURL, FieldScope:
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
