// Package alerting provides notification channels for executor events.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for routine notifications (executor opened/closed).
	SeverityInfo Severity = iota
	// SeverityWarning is for degraded behavior (stop loss hit, order retry).
	SeverityWarning
	// SeverityCritical is for failures needing attention (retry budget exhausted).
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// Alerter is a notification channel.
type Alerter interface {
	// Alert sends a message with alternating key/value detail fields.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name identifies the channel.
	Name() string
}

// FormatFields renders alternating key/value pairs as "key=value" lines.
// Keys that are not strings are skipped along with their value.
func FormatFields(fields ...any) string {
	if len(fields) < 2 {
		return ""
	}

	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s=%v", key, fields[i+1])
	}
	return b.String()
}
