package harcap

import (
	"context"
	"log/slog"
	"time"
)

// Outcome names what happened to a flow at one stage of capture.
type Outcome string

const (
	OutcomeAdmitted  Outcome = "admitted"
	OutcomeDropped   Outcome = "dropped"
	OutcomeRetained  Outcome = "retained"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeExpired   Outcome = "expired"
	OutcomeMissed    Outcome = "missed"
)

// CaptureLogger writes one structured log line per capture decision.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type CaptureLogger struct {
	logger *slog.Logger
}

// CaptureLogEntry contains all fields for a single capture log record.
type CaptureLogEntry struct {
	// Timestamp of the decision.
	Timestamp time.Time

	// Outcome of the decision.
	Outcome Outcome

	// FlowID is empty for dropped requests.
	FlowID string

	// Method is the HTTP method.
	Method string

	// Host is the target hostname.
	Host string

	// Path is the request URL path.
	Path string

	// StatusCode is the upstream status. Zero before the response.
	StatusCode int

	// Duration from admission to response.
	Duration time.Duration

	// BodySize is the response body size, or the request body size before
	// the response.
	BodySize int64

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Reason explains drops and discards.
	Reason string
}

// NewCaptureLogger creates a CaptureLogger that writes to logger.
// For best performance, pass a logger configured with slog.NewJSONHandler.
func NewCaptureLogger(logger *slog.Logger) *CaptureLogger {
	return &CaptureLogger{logger: logger}
}

// Log writes a capture log entry. A nil CaptureLogger discards it.
func (cl *CaptureLogger) Log(e CaptureLogEntry) {
	if cl == nil || cl.logger == nil {
		return
	}
	attrs := make([]slog.Attr, 0, 10)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("outcome", string(e.Outcome)),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
	)

	if e.FlowID != "" {
		attrs = append(attrs, slog.String("flow_id", e.FlowID))
	}
	if e.ClientAddr != "" {
		attrs = append(attrs, slog.String("client", e.ClientAddr))
	}

	switch e.Outcome {
	case OutcomeRetained, OutcomeDiscarded:
		attrs = append(attrs,
			slog.Int("status", e.StatusCode),
			slog.Int64("bytes", e.BodySize),
			slog.Duration("duration", e.Duration),
		)
	case OutcomeExpired:
		attrs = append(attrs, slog.Duration("age", e.Duration))
	case OutcomeMissed:
		attrs = append(attrs, slog.Int("status", e.StatusCode))
	}

	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}

	cl.logger.LogAttrs(context.Background(), slog.LevelInfo, "capture", attrs...)
}
