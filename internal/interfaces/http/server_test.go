package http

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrincipalPrefersAPIKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/data/btc/usd", nil)
	r.RemoteAddr = "10.0.0.9:43210"
	r.Header.Set("X-API-KEY", "abc123")
	assert.Equal(t, "key:abc123", Principal(r))
}

func TestPrincipalFallsBackToClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/data/btc/usd", nil)
	r.RemoteAddr = "10.0.0.9:43210"
	assert.Equal(t, "ip:10.0.0.9", Principal(r))
}

func TestPrincipalHonorsForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/data/btc/usd", nil)
	r.RemoteAddr = "10.0.0.9:43210"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.9")
	assert.Equal(t, "ip:203.0.113.7", Principal(r))
}
