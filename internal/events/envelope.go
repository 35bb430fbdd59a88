package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	SchemaVersion = "1.0"

	TopicRaw    = "signals.raw.v1"
	TopicAIJobs = "signals.ai.jobs.v1"

	TypeError       = "error"
	TypeHTTPRequest = "http_request"
	TypeSignup      = "signup"
	TypeDeploy      = "deploy"
	TypeFeedback    = "feedback"
	TypeCustom      = "custom"

	MetricErrorCount  = "error_count"
	MetricSignupCount = "signup_count"

	BucketSeconds = 60
)

type Envelope struct {
	SchemaVersion string         `json:"schema_version" validate:"required,eq=1.0"`
	EventID       string         `json:"event_id" validate:"required,uuid"`
	OccurredAt    time.Time      `json:"occurred_at" validate:"required"`
	ReceivedAt    time.Time      `json:"received_at"`
	OrgID         string         `json:"org_id" validate:"required"`
	ProjectID     string         `json:"project_id" validate:"required"`
	Environment   string         `json:"environment" validate:"required,oneof=prod staging dev"`
	EventType     string         `json:"event_type" validate:"required,oneof=error http_request signup deploy feedback custom"`
	Severity      string         `json:"severity" validate:"required,oneof=debug info warn error critical"`
	Message       string         `json:"message" validate:"required"`
	Attributes    map[string]any `json:"attributes"`
	Payload       map[string]any `json:"payload"`
}

var validate = validator.New()

// Decode parses and validates a raw envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Errorf("invalid envelope: message is blank")
	}
	return nil
}

// Attr returns the string form of an attribute, or false when it is absent or null.
func (e Envelope) Attr(key string) (string, bool) {
	val, ok := e.Attributes[key]
	if !ok || val == nil {
		return "", false
	}
	if s, ok := val.(string); ok {
		return s, true
	}
	return fmt.Sprint(val), true
}

func (e Envelope) attrOr(key, fallback string) string {
	if val, ok := e.Attr(key); ok {
		return val
	}
	return fallback
}

func (e Envelope) ErrorCode() string {
	return e.attrOr("error_code", "unknown")
}

func (e Envelope) Route() string {
	return e.attrOr("route", "unknown")
}
