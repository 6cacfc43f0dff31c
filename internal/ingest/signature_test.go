package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"job.completed"}`)
	sig := Sign("secret", body)

	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		want      bool
	}{
		{"valid", "secret", body, sig, true},
		{"valid with prefix", "secret", body, "sha256=" + sig, true},
		{"upper case prefix and hex", "secret", body, "SHA256=" + strings.ToUpper(sig), true},
		{"wrong secret", "other", body, sig, false},
		{"tampered body", "secret", []byte(`{"event":"job.created"}`), sig, false},
		{"empty signature", "secret", body, "", false},
		{"not hex", "secret", body, "zzzz", false},
		{"empty secret never verifies", "", body, Sign("", body), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifySignature(tt.secret, tt.body, tt.signature))
		})
	}
}
