// Package debug holds edison's diagnostic logger and the project event log.
//
// Logf writes to stderr only when EDISON_DEBUG is set or --verbose was
// given. LogEvent appends one pipe-delimited line per state change to
// <mgmt>/logs/events.log:
//
//	TIMESTAMP|CODE|ENTITY|ACTOR|SESSION|DETAILS
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	enabled = os.Getenv("EDISON_DEBUG") != ""
	verbose bool
	quiet   bool
	out     io.Writer = os.Stderr

	events eventSink
)

type eventSink struct {
	path    string
	actor   string
	session string
}

// Enabled reports whether Logf produces output.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled || verbose
}

// SetVerbose turns diagnostic output on regardless of EDISON_DEBUG.
func SetVerbose(v bool) {
	mu.Lock()
	verbose = v
	mu.Unlock()
}

// SetQuiet records --quiet.
func SetQuiet(q bool) {
	mu.Lock()
	quiet = q
	mu.Unlock()
}

// IsQuiet reports whether --quiet was given.
func IsQuiet() bool {
	mu.Lock()
	defer mu.Unlock()
	return quiet
}

// SetOutput redirects Logf and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	mu.Lock()
	defer mu.Unlock()
	prev := out
	out = w
	return prev
}

// Logf prints a diagnostic line when debugging is enabled.
func Logf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled && !verbose {
		return
	}
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	fmt.Fprintf(out, format, args...)
}

// ConfigureEvents sets the event log path and the actor and session
// recorded when a call leaves them empty. An empty path disables the log.
func ConfigureEvents(path, actor, session string) {
	mu.Lock()
	events = eventSink{path: path, actor: actor, session: session}
	mu.Unlock()
}

// LogEvent appends an event with the configured actor and session.
func LogEvent(code, entityID, details string) {
	LogEventWithContext(code, entityID, "", "", details)
}

// LogEventWithContext appends an event. Failures are swallowed: the event
// log never fails the operation it records.
func LogEventWithContext(code, entityID, actor, sessionID, details string) {
	mu.Lock()
	sink := events
	mu.Unlock()
	if sink.path == "" {
		return
	}

	line := strings.Join([]string{
		time.Now().UTC().Format(time.RFC3339),
		field(code, "unknown"),
		field(entityID, "none"),
		field(actor, field(sink.actor, field(os.Getenv("USER"), "unknown"))),
		field(sessionID, field(sink.session, "none")),
		field(details, ""),
	}, "|") + "\n"

	if err := os.MkdirAll(filepath.Dir(sink.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(sink.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

// Event is one parsed events.log line.
type Event struct {
	At        time.Time
	Code      string
	EntityID  string
	Actor     string
	SessionID string
	Details   string
}

// ReadEvents parses an event log. Malformed lines are skipped.
func ReadEvents(path string) ([]Event, error) {
	// #nosec G304 - path comes from the management root
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Event
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, "|", 6)
		if len(parts) != 6 {
			continue
		}
		at, err := time.Parse(time.RFC3339, parts[0])
		if err != nil {
			continue
		}
		out = append(out, Event{At: at, Code: parts[1], EntityID: parts[2], Actor: parts[3], SessionID: parts[4], Details: parts[5]})
	}
	return out, nil
}

// field flattens s onto one line so it cannot break the layout, falling
// back to def when s is empty.
func field(s, def string) string {
	if s == "" {
		return def
	}
	return strings.NewReplacer("\r", " ", "\n", " ", "|", "/").Replace(s)
}
