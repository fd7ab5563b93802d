package auth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/conex/internal/secrets"
)

func TestBuildHeaders_Priority(t *testing.T) {
	tests := []struct {
		name  string
		creds secrets.Credentials
		want  map[string]string
	}{
		{
			name:  "api key default header",
			creds: secrets.Credentials{"apiKey": "k1"},
			want:  map[string]string{"Authorization": "k1"},
		},
		{
			name:  "api key custom header and prefix",
			creds: secrets.Credentials{"apiKey": "k1", "apiKeyHeader": "X-API-Key", "apiKeyPrefix": "Token"},
			want:  map[string]string{"X-API-Key": "Token k1"},
		},
		{
			name:  "api key beats bearer",
			creds: secrets.Credentials{"apiKey": "k1", "bearerToken": "t1"},
			want:  map[string]string{"Authorization": "k1"},
		},
		{
			name:  "bearer token",
			creds: secrets.Credentials{"bearerToken": "t1"},
			want:  map[string]string{"Authorization": "Bearer t1"},
		},
		{
			name:  "bearer token custom header",
			creds: secrets.Credentials{"bearerToken": "t1", "tokenHeader": "X-Token"},
			want:  map[string]string{"X-Token": "Bearer t1"},
		},
		{
			name:  "basic",
			creds: secrets.Credentials{"username": "alice", "password": "s3cret"},
			want:  map[string]string{"Authorization": "Basic YWxpY2U6czNjcmV0"},
		},
		{
			name:  "custom headers skip malformed lines",
			creds: secrets.Credentials{"customHeaders": "X-One: 1\nbroken line\n: empty\nX-Two:  two  \n"},
			want:  map[string]string{"X-One": "1", "X-Two": "two"},
		},
		{
			name:  "username without password matches nothing",
			creds: secrets.Credentials{"username": "alice"},
			want:  map[string]string{},
		},
		{
			name:  "empty",
			creds: secrets.Credentials{},
			want:  map[string]string{},
		},
		{
			name:  "nil",
			creds: nil,
			want:  map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildHeaders(tt.creds, nil))
		})
	}
}

func TestBuildHeaders_ExplicitScheme(t *testing.T) {
	bearerFromAPIKey := &Scheme{Type: SchemeBearer, Key: "apiKey"}

	assert.Equal(t, map[string]string{"Authorization": "Bearer secret"},
		BuildHeaders(secrets.Credentials{"apiKey": "secret"}, bearerFromAPIKey))
	assert.Equal(t, map[string]string{}, BuildHeaders(secrets.Credentials{}, bearerFromAPIKey))
	assert.Equal(t, map[string]string{},
		BuildHeaders(secrets.Credentials{"bearerToken": "t"}, bearerFromAPIKey))

	assert.Equal(t, map[string]string{"X-Api-Key": "v"},
		BuildHeaders(secrets.Credentials{"token": "v"}, &Scheme{Type: SchemeHeader, Key: "token", Header: "X-Api-Key"}))

	assert.Equal(t, map[string]string{"Authorization": "Basic dTpw"},
		BuildHeaders(secrets.Credentials{"username": "u", "password": "p", "apiKey": "k"}, &Scheme{Type: SchemeBasic}))

	assert.Equal(t, map[string]string{}, BuildHeaders(secrets.Credentials{"apiKey": "k"}, &Scheme{Type: "oauth2"}))
}

func TestSchemeFromConfig(t *testing.T) {
	s := SchemeFromConfig(map[string]any{"type": "bearer", "key": "apiKey"})
	assert.Equal(t, &Scheme{Type: "bearer", Key: "apiKey"}, s)

	assert.Nil(t, SchemeFromConfig(nil))
	assert.Nil(t, SchemeFromConfig("bearer"))
	assert.Nil(t, SchemeFromConfig(map[string]any{"key": "apiKey"}))
}

func TestSecretValues(t *testing.T) {
	basicToken := base64.StdEncoding.EncodeToString([]byte("sales-bot:hunter2"))

	got := SecretValues(secrets.Credentials{"username": "sales-bot", "password": "hunter2"})
	assert.Contains(t, got, "Basic "+basicToken)
	assert.Contains(t, got, basicToken)

	got = SecretValues(secrets.Credentials{"apiKey": "k1", "apiKeyPrefix": "Token"})
	assert.Contains(t, got, "Token k1")
	assert.Contains(t, got, "Bearer k1")
	assert.Contains(t, got, "k1")
	assert.NotContains(t, got, "Token")

	got = SecretValues(secrets.Credentials{"customHeaders": "X-Tenant: acme-77\nX-Sig: s1g"})
	assert.Contains(t, got, "acme-77")
	assert.Contains(t, got, "s1g")

	assert.Empty(t, SecretValues(secrets.Credentials{}))
}
