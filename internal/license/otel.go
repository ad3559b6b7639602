package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments for licensing operations.
// All fields are created from one meter by NewMetrics; a nil *Metrics is
// safe to call, so wiring stays optional in tests and tools.
type Metrics struct {
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	VerificationChecks  metric.Int64Counter
	VerificationInvalid metric.Int64Counter

	Deactivations metric.Int64Counter

	TrialsIssued    metric.Int64Counter
	TrialsReissued  metric.Int64Counter
	TrialsExhausted metric.Int64Counter

	AdminMutations metric.Int64Counter

	MirrorRequests metric.Int64Counter
	MirrorFailures metric.Int64Counter
	MirrorDuration metric.Float64Histogram
}

// NewMetrics creates the licensing instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	m.ActivationSuccess, err = meter.Int64Counter(
		"license_activation_success_total",
		metric.WithDescription("Total number of successful license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}

	m.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Total number of failed license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	m.VerificationChecks, err = meter.Int64Counter(
		"license_verification_checks_total",
		metric.WithDescription("Total number of license verification checks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification checks counter: %w", err)
	}

	m.VerificationInvalid, err = meter.Int64Counter(
		"license_verification_invalid_total",
		metric.WithDescription("Total number of verification checks answered not valid"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification invalid counter: %w", err)
	}

	m.Deactivations, err = meter.Int64Counter(
		"license_deactivations_total",
		metric.WithDescription("Total number of device deactivations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deactivations counter: %w", err)
	}

	m.TrialsIssued, err = meter.Int64Counter(
		"license_trials_issued_total",
		metric.WithDescription("Total number of trial keys issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trials issued counter: %w", err)
	}

	m.TrialsReissued, err = meter.Int64Counter(
		"license_trials_reissued_total",
		metric.WithDescription("Total number of unexpired trial keys re-issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trials reissued counter: %w", err)
	}

	m.TrialsExhausted, err = meter.Int64Counter(
		"license_trials_exhausted_total",
		metric.WithDescription("Total number of trial requests refused as already used"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trials exhausted counter: %w", err)
	}

	m.AdminMutations, err = meter.Int64Counter(
		"license_admin_mutations_total",
		metric.WithDescription("Total number of administrative record mutations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin mutations counter: %w", err)
	}

	m.MirrorRequests, err = meter.Int64Counter(
		"license_mirror_requests_total",
		metric.WithDescription("Total number of registry mirror requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mirror requests counter: %w", err)
	}

	m.MirrorFailures, err = meter.Int64Counter(
		"license_mirror_failures_total",
		metric.WithDescription("Total number of failed registry mirror requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mirror failures counter: %w", err)
	}

	m.MirrorDuration, err = meter.Float64Histogram(
		"license_mirror_duration_seconds",
		metric.WithDescription("Registry mirror request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mirror duration histogram: %w", err)
	}

	return m, nil
}

// RecordActivation records one activation attempt and its outcome.
func (m *Metrics) RecordActivation(ctx context.Context, status ActivationStatus, duration time.Duration, err error) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("operation", "activation"),
		attribute.String("status", string(status)),
	)
	m.ActivationAttempts.Add(ctx, 1, labels)
	m.ActivationDuration.Record(ctx, duration.Seconds(), labels)
	if err == nil {
		m.ActivationSuccess.Add(ctx, 1, labels)
	} else {
		m.ActivationFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", "activation"),
			attribute.String("failure", FailureKind(err)),
		))
	}
}

// RecordVerification records one verification check.
func (m *Metrics) RecordVerification(ctx context.Context, v Verification) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.Bool("trial", v.Trial),
	)
	m.VerificationChecks.Add(ctx, 1, labels)
	if !v.Valid {
		m.VerificationInvalid.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("trial", v.Trial),
			attribute.String("reason", v.Reason),
		))
	}
}

// RecordDeactivation records one deactivation call.
func (m *Metrics) RecordDeactivation(ctx context.Context, removed bool) {
	if m == nil {
		return
	}
	m.Deactivations.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("removed", removed),
	))
}

// RecordTrial records one trial issuance outcome.
func (m *Metrics) RecordTrial(ctx context.Context, outcome TrialOutcome, err error) {
	if m == nil {
		return
	}
	switch {
	case err == nil && outcome.Reissued:
		m.TrialsReissued.Add(ctx, 1)
	case err == nil:
		m.TrialsIssued.Add(ctx, 1)
	default:
		m.TrialsExhausted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("failure", FailureKind(err)),
		))
	}
}

// RecordAdminMutation records one administrative record change.
func (m *Metrics) RecordAdminMutation(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.AdminMutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
	))
}

// RecordMirror records one registry mirror request.
func (m *Metrics) RecordMirror(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(attribute.String("operation", operation))
	m.MirrorRequests.Add(ctx, 1, labels)
	m.MirrorDuration.Record(ctx, duration.Seconds(), labels)
	if err != nil {
		m.MirrorFailures.Add(ctx, 1, labels)
	}
}

// FailureKind classifies an engine error into a stable label value for
// metrics and span attributes.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrCodeNotFound):
		return "not_found"
	case errors.Is(err, ErrCodeDisabled):
		return "disabled"
	case errors.Is(err, ErrCodeExpired):
		return "expired"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrDeviceMismatch):
		return "device_mismatch"
	case errors.Is(err, ErrTrialExhausted):
		return "trial_exhausted"
	case errors.Is(err, ErrCodeConflict):
		return "conflict"
	default:
		return "store_error"
	}
}
