package rules

import (
	"context"
	"fmt"
	"time"

	"signals-backend/internal/aggregator"
	"signals-backend/internal/events"
	"signals-backend/internal/storage"
)

const (
	RuleErrorSpike = "error_spike"
	RuleSignupDrop = "signup_drop"

	spikeWindowMinutes     = 5
	spikeBaselineMinutes   = 60
	spikeMinCount          = 30
	spikeMultiplier        = 3
	dropBaselineMinutes    = 60
	dropWindowMinutes      = 15
	dropMinBaseline        = 40
	dropMaxCount           = 10
	dropWindowsPerBaseline = dropBaselineMinutes / dropWindowMinutes
)

type Result struct {
	Triggered    bool    `json:"triggered"`
	RuleType     string  `json:"rule_type"`
	Fingerprint  string  `json:"fingerprint"`
	CurrentCount int64   `json:"current_count"`
	Baseline     float64 `json:"baseline"`
	Severity     string  `json:"severity"`
	Title        string  `json:"title"`
}

type Counter interface {
	CountLastNMinutes(ctx context.Context, key storage.BucketKey, minutes int, ref time.Time) (int64, error)
	BaselineAverage(ctx context.Context, key storage.BucketKey, baselineMinutes, windowMinutes int, ref time.Time) (float64, error)
}

var _ Counter = (*aggregator.Aggregator)(nil)

type Evaluator struct {
	counter Counter
}

func NewEvaluator(counter Counter) *Evaluator {
	return &Evaluator{counter: counter}
}

// Evaluate runs the rules in order and returns the first triggered result.
// A zero Result means nothing fired.
func (ev *Evaluator) Evaluate(ctx context.Context, e events.Envelope, ref time.Time) (Result, error) {
	checks := []func(context.Context, events.Envelope, time.Time) (Result, error){
		ev.errorSpike,
		ev.signupDrop,
	}
	for _, check := range checks {
		result, err := check(ctx, e, ref)
		if err != nil {
			return Result{}, err
		}
		if result.Triggered {
			return result, nil
		}
	}
	return Result{}, nil
}

func (ev *Evaluator) errorSpike(ctx context.Context, e events.Envelope, ref time.Time) (Result, error) {
	if e.EventType != events.TypeError {
		return Result{}, nil
	}
	key := aggregator.KeyFor(e, events.MetricErrorCount)
	count, err := ev.counter.CountLastNMinutes(ctx, key, spikeWindowMinutes, ref)
	if err != nil {
		return Result{}, fmt.Errorf("error spike count: %w", err)
	}
	baseline := 0.0
	if count >= spikeMinCount {
		baseline, err = ev.counter.BaselineAverage(ctx, key, spikeBaselineMinutes, spikeWindowMinutes, ref)
		if err != nil {
			return Result{}, fmt.Errorf("error spike baseline: %w", err)
		}
	}
	result := ErrorSpike(count, baseline)
	result.Fingerprint = key.Fingerprint
	if result.Triggered {
		code := "Unknown"
		if val, ok := e.Attr("error_code"); ok {
			code = val
		}
		result.Title = fmt.Sprintf("Error spike: %s on %s", code, e.Route())
	}
	return result, nil
}

func (ev *Evaluator) signupDrop(ctx context.Context, e events.Envelope, ref time.Time) (Result, error) {
	if e.EventType != events.TypeSignup {
		return Result{}, nil
	}
	key := aggregator.KeyFor(e, events.MetricSignupCount)
	baseline, err := ev.counter.CountLastNMinutes(ctx, key, dropBaselineMinutes, ref)
	if err != nil {
		return Result{}, fmt.Errorf("signup drop baseline: %w", err)
	}
	var count int64
	if baseline >= dropMinBaseline {
		count, err = ev.counter.CountLastNMinutes(ctx, key, dropWindowMinutes, ref)
		if err != nil {
			return Result{}, fmt.Errorf("signup drop count: %w", err)
		}
	}
	result := SignupDrop(baseline, count)
	result.Fingerprint = key.Fingerprint
	if result.Triggered {
		result.Title = fmt.Sprintf("Signup drop detected in %s", e.Environment)
	}
	return result, nil
}

// ErrorSpike decides the spike rule from a 5 minute count and the per-window baseline.
func ErrorSpike(count5m int64, baseline float64) Result {
	result := Result{RuleType: RuleErrorSpike, CurrentCount: count5m, Baseline: baseline}
	if count5m < spikeMinCount {
		return result
	}
	if baseline != 0 && float64(count5m) < spikeMultiplier*baseline {
		return result
	}
	result.Triggered = true
	result.Severity = storage.SeverityError
	if baseline > 0 {
		ratio := float64(count5m) / baseline
		switch {
		case ratio >= 10:
			result.Severity = storage.SeverityCritical
		case ratio >= 5:
			result.Severity = storage.SeverityError
		default:
			result.Severity = storage.SeverityWarn
		}
	}
	return result
}

// SignupDrop decides the drop rule from the trailing hour and the trailing 15 minutes.
func SignupDrop(baseline60m, count15m int64) Result {
	result := Result{RuleType: RuleSignupDrop, CurrentCount: count15m, Baseline: float64(baseline60m)}
	if baseline60m < dropMinBaseline || count15m > dropMaxCount {
		return result
	}
	result.Triggered = true
	expected := float64(baseline60m) / dropWindowsPerBaseline
	ratio := float64(count15m) / expected
	switch {
	case ratio <= 0.1:
		result.Severity = storage.SeverityCritical
	case ratio <= 0.25:
		result.Severity = storage.SeverityError
	default:
		result.Severity = storage.SeverityWarn
	}
	return result
}
