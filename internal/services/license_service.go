package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keyward/internal/events"
	"keyward/internal/license"
	"keyward/internal/store"
)

// EventPublisher pushes audit events to connected operator clients.
// events.Hub satisfies it. A nil publisher disables the feed.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, data interface{})
}

// RegistryMirror replicates registry changes to the external spreadsheet.
// mirror.Mirror satisfies it. A nil mirror disables replication.
type RegistryMirror interface {
	UpsertCode(ctx context.Context, summary license.CodeSummary)
	AppendAudit(ctx context.Context, event, code, actor, details string)
}

// LicenseService provides the client-facing license lifecycle.
type LicenseService interface {
	// Activate binds the calling device to a code. Domain rejections
	// come back as license sentinel errors.
	Activate(ctx context.Context, req license.ActivationRequest) (*ActivationResponse, error)

	// Verify answers whether the device holds a usable activation. Domain
	// degradation is data in the Verification, never an error; the only
	// error source is the store.
	Verify(ctx context.Context, req license.VerificationRequest) (*license.Verification, error)

	// Deactivate releases the device's binding. Unbinding a device that
	// was never bound succeeds with Removed=false.
	Deactivate(ctx context.Context, req license.DeactivationRequest) (*DeactivationResponse, error)

	// IssueTrial grants, or re-delivers, the one trial for a hardware
	// fingerprint.
	IssueTrial(ctx context.Context, hardware license.Fingerprint) (*TrialResponse, error)
}

// ActivationResponse is the success payload of an activation.
type ActivationResponse struct {
	Status      license.ActivationStatus `json:"status"`
	Code        string                   `json:"code"`
	Modality    license.ModalityKind     `json:"modality"`
	DevicesUsed int                      `json:"devices_used"`
	MaxDevices  int                      `json:"max_devices,omitempty"`
	Expiry      *time.Time               `json:"expiry,omitempty"`
}

// DeactivationResponse is the success payload of a deactivation.
type DeactivationResponse struct {
	Removed     bool   `json:"removed"`
	Code        string `json:"code"`
	DevicesUsed int    `json:"devices_used"`
	MaxDevices  int    `json:"max_devices,omitempty"`
}

// TrialResponse is the success payload of a trial issuance. Reissued
// marks re-delivery of an unexpired grant.
type TrialResponse struct {
	Key      string    `json:"key"`
	Expiry   time.Time `json:"expiry"`
	Reissued bool      `json:"reissued"`
}

type licenseService struct {
	store   store.Store
	engine  *license.Engine
	events  EventPublisher
	mirror  RegistryMirror
	metrics *license.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewLicenseService wires the lifecycle service. events, mirror, and
// metrics may be nil; the store and engine are required.
func NewLicenseService(st store.Store, engine *license.Engine, publisher EventPublisher, mirror RegistryMirror, metrics *license.Metrics, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		store:   st,
		engine:  engine,
		events:  publisher,
		mirror:  mirror,
		metrics: metrics,
		logger:  logger.With(slog.String("service", "license")),
		now:     time.Now,
	}
}

func (s *licenseService) Activate(ctx context.Context, req license.ActivationRequest) (*ActivationResponse, error) {
	start := s.now()
	code := license.NormalizeCode(req.Code)

	var outcome license.ActivationOutcome
	err := s.store.UpdateLicense(ctx, code, func(current *license.Record) (*license.Record, error) {
		var aerr error
		outcome, aerr = s.engine.Activate(current, req)
		if aerr != nil {
			return nil, aerr
		}
		if !outcome.Mutated {
			return nil, nil
		}
		return outcome.Record, nil
	})
	s.metrics.RecordActivation(ctx, outcome.Status, time.Since(start), err)

	if err != nil {
		s.logger.InfoContext(ctx, "activation rejected",
			slog.String("code", code),
			slog.String("device", req.Device.Short()),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.logger.InfoContext(ctx, "activation processed",
		slog.String("code", code),
		slog.String("device", req.Device.Short()),
		slog.String("status", string(outcome.Status)),
		slog.Int("devices_used", outcome.DevicesUsed))

	if outcome.Mutated {
		eventType := events.TypeActivated
		if outcome.Status == license.StatusRebound {
			eventType = events.TypeRebound
		}
		s.publish(ctx, eventType, map[string]interface{}{
			"code":         code,
			"device":       req.Device.Short(),
			"status":       string(outcome.Status),
			"devices_used": outcome.DevicesUsed,
		})
		s.mirrorRecord(ctx, eventType, outcome.Record,
			fmt.Sprintf("device %s, %d bound", req.Device.Short(), outcome.DevicesUsed))
	}

	return &ActivationResponse{
		Status:      outcome.Status,
		Code:        code,
		Modality:    outcome.Modality,
		DevicesUsed: outcome.DevicesUsed,
		MaxDevices:  outcome.MaxDevices,
		Expiry:      outcome.Expiry,
	}, nil
}

func (s *licenseService) Verify(ctx context.Context, req license.VerificationRequest) (*license.Verification, error) {
	code := license.NormalizeCode(req.Code)

	var v license.Verification
	if license.IsTrialKey(code) {
		hw := req.Hardware
		if hw.IsZero() {
			hw = req.Device
		}
		tr, err := s.store.GetTrial(ctx, hw)
		if err != nil {
			return nil, err
		}
		v = s.engine.VerifyTrial(tr, code)
	} else {
		rec, err := s.store.GetLicense(ctx, code)
		if err != nil {
			return nil, err
		}
		v = s.engine.Verify(rec, req)
	}

	s.metrics.RecordVerification(ctx, v)
	s.logger.DebugContext(ctx, "verification answered",
		slog.String("code", code),
		slog.Bool("valid", v.Valid),
		slog.String("reason", v.Reason))
	return &v, nil
}

func (s *licenseService) Deactivate(ctx context.Context, req license.DeactivationRequest) (*DeactivationResponse, error) {
	code := license.NormalizeCode(req.Code)

	var outcome license.DeactivationOutcome
	err := s.store.UpdateLicense(ctx, code, func(current *license.Record) (*license.Record, error) {
		var derr error
		outcome, derr = s.engine.Deactivate(current, req)
		if derr != nil {
			return nil, derr
		}
		if !outcome.Mutated {
			return nil, nil
		}
		return outcome.Record, nil
	})
	s.metrics.RecordDeactivation(ctx, outcome.Removed)

	if err != nil {
		s.logger.InfoContext(ctx, "deactivation rejected",
			slog.String("code", code),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.logger.InfoContext(ctx, "deactivation processed",
		slog.String("code", code),
		slog.String("device", req.Device.Short()),
		slog.Bool("removed", outcome.Removed))

	if outcome.Mutated {
		s.publish(ctx, events.TypeDeactivated, map[string]interface{}{
			"code":         code,
			"device":       req.Device.Short(),
			"devices_used": outcome.DevicesUsed,
		})
		s.mirrorRecord(ctx, events.TypeDeactivated, outcome.Record,
			fmt.Sprintf("device %s released, %d bound", req.Device.Short(), outcome.DevicesUsed))
	}

	return &DeactivationResponse{
		Removed:     outcome.Removed,
		Code:        code,
		DevicesUsed: outcome.DevicesUsed,
		MaxDevices:  outcome.MaxDevices,
	}, nil
}

func (s *licenseService) IssueTrial(ctx context.Context, hardware license.Fingerprint) (*TrialResponse, error) {
	var outcome license.TrialOutcome
	err := s.store.UpdateTrial(ctx, hardware, func(current *license.TrialRecord) (*license.TrialRecord, error) {
		var terr error
		outcome, terr = s.engine.IssueTrial(current, hardware)
		if terr != nil {
			return nil, terr
		}
		if !outcome.Mutated {
			return nil, nil
		}
		return outcome.Record, nil
	})
	s.metrics.RecordTrial(ctx, outcome, err)

	if err != nil {
		s.logger.InfoContext(ctx, "trial rejected",
			slog.String("hardware", hardware.Short()),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.logger.InfoContext(ctx, "trial issued",
		slog.String("hardware", hardware.Short()),
		slog.Bool("reissued", outcome.Reissued),
		slog.Time("expiry", outcome.Expiry))

	if outcome.Mutated {
		// The key itself is a credential and stays out of the feed.
		s.publish(ctx, events.TypeTrialIssued, map[string]interface{}{
			"hardware": hardware.Short(),
			"expiry":   outcome.Expiry.UTC().Format(time.RFC3339),
		})
		if s.mirror != nil {
			s.mirror.AppendAudit(ctx, events.TypeTrialIssued, "", "",
				fmt.Sprintf("hardware %s until %s", hardware.Short(), outcome.Expiry.UTC().Format("2006-01-02 15:04:05")))
		}
	}

	return &TrialResponse{
		Key:      outcome.Key,
		Expiry:   outcome.Expiry,
		Reissued: outcome.Reissued,
	}, nil
}

func (s *licenseService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.events != nil {
		s.events.PublishEvent(ctx, eventType, data)
	}
}

func (s *licenseService) mirrorRecord(ctx context.Context, event string, rec *license.Record, details string) {
	if s.mirror == nil || rec == nil {
		return
	}
	s.mirror.UpsertCode(ctx, rec.Summary(s.now()))
	s.mirror.AppendAudit(ctx, event, rec.Code, "", details)
}
