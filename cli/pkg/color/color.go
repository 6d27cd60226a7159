// Package color holds the mesa CLI palette. Colour is dropped automatically
// when stdout is not a terminal or NO_COLOR is set.
package color

import (
	"regexp"

	"github.com/fatih/color"
)

var (
	Success = color.New(color.FgGreen, color.Bold)
	Error   = color.New(color.FgRed, color.Bold)
	Info    = color.New(color.FgCyan)
	Warn    = color.New(color.FgYellow)
	Header  = color.New(color.FgWhite, color.Bold)
	Muted   = color.New(color.Faint)
)

// SetEnabled forces colour on or off regardless of the terminal.
func SetEnabled(on bool) {
	color.NoColor = !on
}

func Enabled() bool { return !color.NoColor }

// statusColors covers order, reservation, cash session and queue states.
var statusColors = map[string]*color.Color{
	"pending":    color.New(color.FgYellow),
	"preparing":  color.New(color.FgBlue),
	"ready":      color.New(color.FgGreen, color.Bold),
	"served":     Muted,
	"cancelled":  color.New(color.FgRed),
	"confirmed":  color.New(color.FgGreen),
	"seated":     color.New(color.FgCyan),
	"completed":  Muted,
	"no_show":    color.New(color.FgMagenta),
	"open":       color.New(color.FgGreen, color.Bold),
	"closed":     Muted,
	"queued":     color.New(color.FgYellow),
	"dispatched": color.New(color.FgBlue),
	"discarded":  color.New(color.FgRed),
	"abandoned":  color.New(color.FgRed, color.Bold),
}

// Status colours a known status name; anything else is returned unchanged.
func Status(s string) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(s)
	}
	return s
}

// Amount colours a signed amount already formatted as text.
func Amount(cents int64, text string) string {
	switch {
	case cents < 0:
		return Error.Sprint(text)
	case cents > 0:
		return Success.Sprint(text)
	}
	return text
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Strip removes colour escape sequences.
func Strip(s string) string {
	return ansi.ReplaceAllString(s, "")
}
