package domain

import "time"

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogLine is one entry of a deployment's append-only log buffer.
type LogLine struct {
	Timestamp     time.Time `json:"timestamp"`
	Stream        string    `json:"stream"`
	Text          string    `json:"text"`
	IsCommandEcho bool      `json:"command,omitempty"`
	Hidden        bool      `json:"hidden,omitempty"`
}

// NewLogLine stamps a stdout line with the given time.
func NewLogLine(at time.Time, text string) LogLine {
	return LogLine{Timestamp: at.UTC(), Stream: StreamStdout, Text: text}
}
