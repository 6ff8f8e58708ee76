package escalation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Severity grades a violation.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalJSON renders the severity by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseSeverity parses a severity name.
func ParseSeverity(name string) (Severity, error) {
	for s, n := range severityNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown severity %q", model.ErrValidation, name)
}

// Violation is one classified event.
type Violation struct {
	Seq       int64           `json:"seq"`
	EventType model.EventType `json:"event_type"`
	Severity  Severity        `json:"severity"`
	Details   string          `json:"details"`
	At        time.Time       `json:"at"`
}

// DefaultSeverities is the built-in classification table.
func DefaultSeverities() map[model.EventType]Severity {
	return map[model.EventType]Severity{
		model.EventCameraDisabled:          SeverityCritical,
		model.EventMicrophoneDisabled:      SeverityCritical,
		model.EventCameraAccessDenied:      SeverityCritical,
		model.EventMicrophoneAccessDenied:  SeverityCritical,
		model.EventNetworkDisconnected:     SeverityCritical,
		model.EventForcedLogout:            SeverityCritical,
		model.EventServerUnreachable:       SeverityHigh,
		model.EventNetworkError:            SeverityHigh,
		model.EventCheatingPatternDetected: SeverityHigh,
		model.EventMultipleFaces:           SeverityHigh,
		model.EventBrowserSecurity:         SeverityMedium,
		model.EventInactivityTimeout:       SeverityMedium,
		model.EventAudioCheatingPattern:    SeverityMedium,
		model.EventOffScreen:               SeverityMedium,
	}
}

// Config tunes the policy.
type Config struct {
	GracePeriod   time.Duration
	MaxViolations int
	Severities    map[model.EventType]Severity
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		GracePeriod:   3 * time.Second,
		MaxViolations: 5,
		Severities:    DefaultSeverities(),
	}
}

// ParseSeverities converts a name table (as read from a policy file) into
// a classification table.
func ParseSeverities(table map[string]string) (map[model.EventType]Severity, error) {
	out := make(map[model.EventType]Severity, len(table))
	for typ, name := range table {
		et := model.EventType(typ)
		if !et.Valid() {
			return nil, fmt.Errorf("%w: invalid event type %q", model.ErrValidation, typ)
		}
		sev, err := ParseSeverity(name)
		if err != nil {
			return nil, err
		}
		out[et] = sev
	}
	return out, nil
}
