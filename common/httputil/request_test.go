package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		remote   string
		expected string
	}{
		{"forwarded single", map[string]string{"X-Forwarded-For": "203.0.113.195"}, "10.0.0.1:1234", "203.0.113.195"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": " 203.0.113.195 , 70.41.3.18"}, "10.0.0.1:1234", "203.0.113.195"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.1:1234", "198.51.100.7"},
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"ipv6 remote addr", nil, "[2001:db8::1]:443", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, ClientIP(req))
		})
	}
}

func TestCallerOf(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		ua       string
		expected Source
	}{
		{"explicit terminal", "terminal", "", SourceTerminal},
		{"explicit cli", "CLI", "", SourceCLI},
		{"explicit api", "api", "", SourceAPI},
		{"explicit system", " system ", "", SourceSystem},
		{"explicit garbage", "toaster", "mesa-cli/0.1.0", SourceUnknown},
		{"cli user agent", "", "mesa-cli/0.1.0", SourceCLI},
		{"browser user agent", "", "Mozilla/5.0", SourceTerminal},
		{"nothing", "", "", SourceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = "192.0.2.10:4000"
			if tt.source != "" {
				req.Header.Set(HeaderSource, tt.source)
			}
			req.Header.Set("User-Agent", tt.ua)

			c := CallerOf(req)
			assert.Equal(t, tt.expected, c.Source)
			assert.Equal(t, "192.0.2.10", c.IPString())
		})
	}
}

func TestCaller_NoIP(t *testing.T) {
	assert.Empty(t, Caller{}.IPString())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "pipe"
	assert.Empty(t, CallerOf(req).IPString())
}

func TestParseTimeParam(t *testing.T) {
	ts, err := ParseTimeParam("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	ts, err = ParseTimeParam("2026-03-14T19:00:00Z")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)))

	ts, err = ParseTimeParam("2026-03-14T20:00:00.5+01:00")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2026, 3, 14, 19, 0, 0, 500_000_000, time.UTC)))

	_, err = ParseTimeParam("tonight")
	assert.Error(t, err)
}
