package events

import (
	"strings"
	"time"
)

// Fingerprint groups events that describe the same underlying condition.
func Fingerprint(e Envelope) string {
	switch e.EventType {
	case TypeError:
		return strings.Join([]string{e.ErrorCode(), e.Route(), e.Environment}, "|")
	case TypeSignup:
		return "signup|" + e.Environment
	default:
		return e.EventType + "|" + e.Environment
	}
}

// MetricName returns the bucket metric for tracked event types.
func MetricName(e Envelope) (string, bool) {
	switch e.EventType {
	case TypeError:
		return MetricErrorCount, true
	case TypeSignup:
		return MetricSignupCount, true
	}
	return "", false
}

func AlignToMinute(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Minute)
}

// PartitionKey keeps related events on the same ordered stream.
func PartitionKey(e Envelope) string {
	if e.EventType == TypeError {
		return strings.Join([]string{e.OrgID, e.ProjectID, e.ErrorCode(), e.Route()}, "|")
	}
	return strings.Join([]string{e.OrgID, e.ProjectID, e.EventType}, "|")
}
