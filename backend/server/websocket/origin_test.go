package websocket

import (
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func requestWithOrigin(origin string) *http.Request {
	r, _ := http.NewRequest(http.MethodGet, "http://server.local/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginPolicy(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		name       string
		configured []string
		origin     string
		want       bool
	}{
		{"exact match", []string{"http://app.example.com"}, "http://app.example.com", true},
		{"case insensitive", []string{"http://App.Example.com"}, "HTTP://app.example.COM", true},
		{"port is part of the host", []string{"http://app.example.com:3000"}, "http://app.example.com:3000", true},
		{"different port rejected", []string{"http://app.example.com:3000"}, "http://app.example.com:4000", false},
		{"unlisted origin rejected", []string{"http://app.example.com"}, "http://evil.example.com", false},
		{"localhost is not special", []string{"http://app.example.com"}, "http://localhost:3000", false},
		{"wildcard allows anything", []string{"*"}, "http://whatever.example.com", true},
		{"no origin header allowed", []string{"http://app.example.com"}, "", true},
		{"malformed origin rejected", []string{"http://app.example.com"}, "::not-an-origin", false},
		{"empty allow list rejects browsers", nil, "http://app.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewOriginPolicy(tt.configured, &logger)
			assert.Equal(t, tt.want, p.Allow(requestWithOrigin(tt.origin)))
		})
	}
}

func TestOriginPolicyIgnoresInvalidConfiguredEntries(t *testing.T) {
	logger := zerolog.Nop()
	p := NewOriginPolicy([]string{"  ", "not a url", "http://app.example.com"}, &logger)

	assert.True(t, p.Allow(requestWithOrigin("http://app.example.com")))
	assert.False(t, p.Allow(requestWithOrigin("http://not-a-url")))
}
