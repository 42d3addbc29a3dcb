package redis

import (
	"testing"
)

func TestKeyBuilder_Environment_Prefixes(t *testing.T) {
	tests := []struct {
		name           string
		environment    string
		expectedPrefix string
	}{
		{
			name:           "Production environment should use prod prefix",
			environment:    "production",
			expectedPrefix: "prod",
		},
		{
			name:           "Development environment should use staging prefix",
			environment:    "development",
			expectedPrefix: "staging",
		},
		{
			name:           "Staging environment should use staging prefix",
			environment:    "staging",
			expectedPrefix: "staging",
		},
		{
			name:           "Unknown environment should default to prod prefix",
			environment:    "unknown",
			expectedPrefix: "prod",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kb := NewKeyBuilder(tt.environment)
			if kb.GetPrefix() != tt.expectedPrefix {
				t.Errorf("NewKeyBuilder(%s).GetPrefix() = %s, want %s",
					tt.environment, kb.GetPrefix(), tt.expectedPrefix)
			}
		})
	}
}

func TestKeyBuilder_AuthCacheKeys(t *testing.T) {
	kb := NewKeyBuilder("staging")

	tests := []struct {
		name     string
		method   func(string) string
		expected string
	}{
		{
			name:     "entry key",
			method:   kb.KeyAuthCache,
			expected: "staging:authcache:sess-1",
		},
		{
			name:     "applied watermark key",
			method:   kb.KeyAuthCacheApplied,
			expected: "staging:authcache:sess-1:applied",
		},
		{
			name:     "sequence key",
			method:   kb.KeyAuthCacheSeq,
			expected: "staging:authcache:sess-1:seq",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.method("sess-1"); got != tt.expected {
				t.Errorf("got %s, want %s", got, tt.expected)
			}
		})
	}
}
