package httputil

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// HeaderSource lets a client declare its kind. The terminal library sends
// "terminal", the mesa CLI sends "cli".
const HeaderSource = "X-Mesa-Source"

// Source is the kind of client that issued a request. It is recorded in the
// audit trail next to the transaction id.
type Source string

const (
	SourceUnknown  Source = "unknown"
	SourceTerminal Source = "terminal"
	SourceCLI      Source = "cli"
	SourceAPI      Source = "api"
	SourceSystem   Source = "system"
)

func ParseSource(s string) Source {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceTerminal, SourceCLI, SourceAPI, SourceSystem:
		return src
	}
	return SourceUnknown
}

// Caller describes who sent a request.
type Caller struct {
	IP        net.IP
	Source    Source
	UserAgent string
}

// CallerOf reads the caller from r. Without an X-Mesa-Source header a
// "mesa-cli" user agent counts as the CLI and any other agent as a terminal
// (point-of-sale browsers do not set the header).
func CallerOf(r *http.Request) Caller {
	c := Caller{
		IP:        net.ParseIP(ClientIP(r)),
		UserAgent: r.Header.Get("User-Agent"),
		Source:    SourceUnknown,
	}
	switch {
	case r.Header.Get(HeaderSource) != "":
		c.Source = ParseSource(r.Header.Get(HeaderSource))
	case strings.Contains(strings.ToLower(c.UserAgent), "mesa-cli"):
		c.Source = SourceCLI
	case c.UserAgent != "":
		c.Source = SourceTerminal
	}
	return c
}

func (c Caller) IPString() string {
	if c.IP == nil {
		return ""
	}
	return c.IP.String()
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote host, without a port.
func ClientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ = strings.Cut(xff, ",")
	} else if xri := r.Header.Get("X-Real-IP"); xri != "" {
		ip = xri
	}
	ip = strings.TrimSpace(ip)
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

// ParseTimeParam parses an RFC 3339 query parameter. The zero time is
// returned for empty input; malformed input is an error.
func ParseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
