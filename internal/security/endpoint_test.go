package security

import (
	"strings"
	"testing"
)

// IP literals keep these cases hermetic; no DNS lookups.
func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string // empty = valid
	}{
		{"public ip https", "https://93.184.216.34/hooks/aex", ""},
		{"public ip with port", "http://93.184.216.34:8443/cb", ""},
		{"unparseable", "://bad", "invalid URL"},
		{"bad scheme", "ftp://93.184.216.34/x", "scheme"},
		{"no host", "https://", "host"},
		{"credentials", "https://user:pw@93.184.216.34/cb", "credentials"},
		{"localhost name", "http://localhost:8080/cb", "not allowed"},
		{"metadata name", "http://metadata.google.internal/computeMetadata", "not allowed"},
		{"loopback v4", "http://127.0.0.1:9999/cb", "loopback"},
		{"loopback v6", "http://[::1]/cb", "loopback"},
		{"private 10", "http://10.0.0.8/cb", "private"},
		{"private 192.168", "http://192.168.1.10/cb", "private"},
		{"link local", "http://169.254.169.254/latest/meta-data", "link-local"},
		{"unspecified", "http://0.0.0.0/cb", "unspecified"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpointURL(tc.url)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not contain %q", err.Error(), tc.wantErr)
			}
		})
	}
}
