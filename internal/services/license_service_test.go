package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"keyward/internal/events"
	"keyward/internal/license"
	"keyward/internal/store"
)

// MockPublisher implements EventPublisher for testing
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishEvent(ctx context.Context, eventType string, data interface{}) {
	m.Called(ctx, eventType, data)
}

// MockMirror implements RegistryMirror for testing
type MockMirror struct {
	mock.Mock
}

func (m *MockMirror) UpsertCode(ctx context.Context, summary license.CodeSummary) {
	m.Called(ctx, summary)
}

func (m *MockMirror) AppendAudit(ctx context.Context, event, code, actor, details string) {
	m.Called(ctx, event, code, actor, details)
}

// failingStore wraps a working store and fails selected calls
type failingStore struct {
	store.Store
	updateLicenseErr error
	getLicenseErr    error
	getTrialErr      error
	updateTrialErr   error
	listErr          error
	healthErr        error
}

func (f *failingStore) GetLicense(ctx context.Context, code string) (*license.Record, error) {
	if f.getLicenseErr != nil {
		return nil, f.getLicenseErr
	}
	return f.Store.GetLicense(ctx, code)
}

func (f *failingStore) UpdateLicense(ctx context.Context, code string, fn store.LicenseUpdateFunc) error {
	if f.updateLicenseErr != nil {
		return f.updateLicenseErr
	}
	return f.Store.UpdateLicense(ctx, code, fn)
}

func (f *failingStore) ListLicenses(ctx context.Context) ([]*license.Record, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Store.ListLicenses(ctx)
}

func (f *failingStore) GetTrial(ctx context.Context, hw license.Fingerprint) (*license.TrialRecord, error) {
	if f.getTrialErr != nil {
		return nil, f.getTrialErr
	}
	return f.Store.GetTrial(ctx, hw)
}

func (f *failingStore) UpdateTrial(ctx context.Context, hw license.Fingerprint, fn store.TrialUpdateFunc) error {
	if f.updateTrialErr != nil {
		return f.updateTrialErr
	}
	return f.Store.UpdateTrial(ctx, hw, fn)
}

func (f *failingStore) Health(ctx context.Context) error {
	if f.healthErr != nil {
		return f.healthErr
	}
	return f.Store.Health(ctx)
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testEngine() *license.Engine {
	return license.NewEngine(license.EngineConfig{
		Clock: func() time.Time { return testNow },
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedCode(t *testing.T, st store.Store, eng *license.Engine, params license.CreateCodeParams) {
	t.Helper()
	err := st.UpdateLicense(context.Background(), license.NormalizeCode(params.Code), func(current *license.Record) (*license.Record, error) {
		return eng.CreateCode(current, params)
	})
	require.NoError(t, err)
}

func fp(raw string) license.Fingerprint {
	return license.DeriveFingerprint(raw)
}

func TestLicenseServiceActivate(t *testing.T) {
	ctx := context.Background()

	t.Run("newly bound publishes and mirrors", func(t *testing.T) {
		st := store.NewMemory()
		eng := testEngine()
		seedCode(t, st, eng, license.CreateCodeParams{Code: "TEAM1-00001", Modality: license.ModalityCapacity, MaxDevices: 2})

		publisher := &MockPublisher{}
		publisher.On("PublishEvent", mock.Anything, events.TypeActivated, mock.Anything).Return()
		mirror := &MockMirror{}
		mirror.On("UpsertCode", mock.Anything, mock.Anything).Return()
		mirror.On("AppendAudit", mock.Anything, events.TypeActivated, "TEAM1-00001", "", mock.Anything).Return()

		svc := NewLicenseService(st, eng, publisher, mirror, nil, testLogger())

		resp, err := svc.Activate(ctx, license.ActivationRequest{Code: "team1-00001", Device: fp("dev-a")})
		require.NoError(t, err)

		assert.Equal(t, license.StatusNewlyBound, resp.Status)
		assert.Equal(t, "TEAM1-00001", resp.Code)
		assert.Equal(t, license.ModalityCapacity, resp.Modality)
		assert.Equal(t, 1, resp.DevicesUsed)
		assert.Equal(t, 2, resp.MaxDevices)

		publisher.AssertExpectations(t)
		mirror.AssertExpectations(t)

		upserted := mirror.Calls[0].Arguments.Get(1).(license.CodeSummary)
		assert.Equal(t, "TEAM1-00001", upserted.Code)
		assert.Equal(t, 1, upserted.DevicesUsed)
	})

	t.Run("already bound is idempotent and silent", func(t *testing.T) {
		st := store.NewMemory()
		eng := testEngine()
		seedCode(t, st, eng, license.CreateCodeParams{Code: "TEAM1-00001", Modality: license.ModalityCapacity, MaxDevices: 2})

		publisher := &MockPublisher{}
		publisher.On("PublishEvent", mock.Anything, mock.Anything, mock.Anything).Return()
		svc := NewLicenseService(st, eng, publisher, nil, nil, testLogger())

		_, err := svc.Activate(ctx, license.ActivationRequest{Code: "TEAM1-00001", Device: fp("dev-a")})
		require.NoError(t, err)

		resp, err := svc.Activate(ctx, license.ActivationRequest{Code: "TEAM1-00001", Device: fp("dev-a")})
		require.NoError(t, err)
		assert.Equal(t, license.StatusAlreadyBound, resp.Status)
		assert.Equal(t, 1, resp.DevicesUsed)

		// Only the first activation changed state, so only one event
		publisher.AssertNumberOfCalls(t, "PublishEvent", 1)
	})

	t.Run("hardware match rebinds", func(t *testing.T) {
		st := store.NewMemory()
		eng := testEngine()
		seedCode(t, st, eng, license.CreateCodeParams{Code: "TEAM1-00001", Modality: license.ModalityCapacity, MaxDevices: 1})

		publisher := &MockPublisher{}
		publisher.On("PublishEvent", mock.Anything, events.TypeActivated, mock.Anything).Return()
		publisher.On("PublishEvent", mock.Anything, events.TypeRebound, mock.Anything).Return()
		svc := NewLicenseService(st, eng, publisher, nil, nil, testLogger())

		_, err := svc.Activate(ctx, license.ActivationRequest{Code: "TEAM1-00001", Device: fp("os-install-1"), Hardware: fp("board-serial")})
		require.NoError(t, err)

		// Reinstall: new primary fingerprint, same hardware
		resp, err := svc.Activate(ctx, license.ActivationRequest{Code: "TEAM1-00001", Device: fp("os-install-2"), Hardware: fp("board-serial")})
		require.NoError(t, err)
		assert.Equal(t, license.StatusRebound, resp.Status)
		assert.Equal(t, 1, resp.DevicesUsed)

		publisher.AssertExpectations(t)
	})

	t.Run("domain rejections surface as sentinels", func(t *testing.T) {
		st := store.NewMemory()
		eng := testEngine()
		seedCode(t, st, eng, license.CreateCodeParams{Code: "SOLO1-00001", Modality: license.ModalityCapacity, MaxDevices: 1})

		svc := NewLicenseService(st, eng, nil, nil, nil, testLogger())

		_, err := svc.Activate(ctx, license.ActivationRequest{Code: "SOLO1-00001", Device: fp("dev-a")})
		require.NoError(t, err)

		_, err = svc.Activate(ctx, license.ActivationRequest{Code: "SOLO1-00001", Device: fp("dev-b")})
		assert.ErrorIs(t, err, license.ErrCapacityExceeded)

		var capErr *license.CapacityError
		require.ErrorAs(t, err, &capErr)
		assert.Equal(t, 1, capErr.MaxDevices)

		_, err = svc.Activate(ctx, license.ActivationRequest{Code: "NOPE1-00001", Device: fp("dev-a")})
		assert.ErrorIs(t, err, license.ErrCodeNotFound)
	})

	t.Run("store failure surfaces unchanged", func(t *testing.T) {
		boom := errors.New("connection refused")
		st := &failingStore{Store: store.NewMemory(), updateLicenseErr: boom}
		svc := NewLicenseService(st, testEngine(), nil, nil, nil, testLogger())

		_, err := svc.Activate(ctx, license.ActivationRequest{Code: "TEAM1-00001", Device: fp("dev-a")})
		assert.ErrorIs(t, err, boom)
	})
}

func TestLicenseServiceVerify(t *testing.T) {
	ctx := context.Background()

	st := store.NewMemory()
	eng := testEngine()
	seedCode(t, st, eng, license.CreateCodeParams{Code: "TEAM1-00001", Modality: license.ModalityCapacity, MaxDevices: 2})
	svc := NewLicenseService(st, eng, nil, nil, nil, testLogger())

	_, err := svc.Activate(ctx, license.ActivationRequest{Code: "TEAM1-00001", Device: fp("dev-a")})
	require.NoError(t, err)

	tests := []struct {
		name       string
		req        license.VerificationRequest
		wantValid  bool
		wantReason string
	}{
		{
			name:      "bound device is valid",
			req:       license.VerificationRequest{Code: "TEAM1-00001", Device: fp("dev-a")},
			wantValid: true,
		},
		{
			name:       "unbound device",
			req:        license.VerificationRequest{Code: "TEAM1-00001", Device: fp("dev-b")},
			wantReason: license.ReasonDeviceNotBound,
		},
		{
			name:       "unknown code",
			req:        license.VerificationRequest{Code: "NOPE1-00001", Device: fp("dev-a")},
			wantReason: license.ReasonUnknownCode,
		},
		{
			name:       "missing fields degrade",
			req:        license.VerificationRequest{Code: "TEAM1-00001"},
			wantReason: license.ReasonMissingFields,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := svc.Verify(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, v.Valid)
			assert.Equal(t, tt.wantReason, v.Reason)
		})
	}

	t.Run("store failure is an error, not a reason", func(t *testing.T) {
		boom := errors.New("disk gone")
		failing := &failingStore{Store: st, getLicenseErr: boom}
		svc := NewLicenseService(failing, eng, nil, nil, nil, testLogger())

		_, err := svc.Verify(ctx, license.VerificationRequest{Code: "TEAM1-00001", Device: fp("dev-a")})
		assert.ErrorIs(t, err, boom)
	})
}

func TestLicenseServiceVerifyTrial(t *testing.T) {
	ctx := context.Background()

	st := store.NewMemory()
	eng := testEngine()
	svc := NewLicenseService(st, eng, nil, nil, nil, testLogger())

	trial, err := svc.IssueTrial(ctx, fp("machine-1"))
	require.NoError(t, err)
	require.True(t, license.IsTrialKey(trial.Key))

	t.Run("issued hardware verifies", func(t *testing.T) {
		v, err := svc.Verify(ctx, license.VerificationRequest{
			Code:     trial.Key,
			Device:   fp("machine-1"),
			Hardware: fp("machine-1"),
		})
		require.NoError(t, err)
		assert.True(t, v.Valid)
		assert.True(t, v.Trial)
	})

	t.Run("other hardware has no trial", func(t *testing.T) {
		v, err := svc.Verify(ctx, license.VerificationRequest{
			Code:     trial.Key,
			Device:   fp("machine-2"),
			Hardware: fp("machine-2"),
		})
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.Equal(t, license.ReasonTrialNotFound, v.Reason)
	})

	t.Run("device stands in for absent hardware", func(t *testing.T) {
		v, err := svc.Verify(ctx, license.VerificationRequest{
			Code:   trial.Key,
			Device: fp("machine-1"),
		})
		require.NoError(t, err)
		assert.True(t, v.Valid)
	})
}

func TestLicenseServiceDeactivate(t *testing.T) {
	ctx := context.Background()

	t.Run("bound device releases its slot", func(t *testing.T) {
		st := store.NewMemory()
		eng := testEngine()
		seedCode(t, st, eng, license.CreateCodeParams{Code: "TEAM1-00001", Modality: license.ModalityCapacity, MaxDevices: 2})

		publisher := &MockPublisher{}
		publisher.On("PublishEvent", mock.Anything, events.TypeActivated, mock.Anything).Return()
		publisher.On("PublishEvent", mock.Anything, events.TypeDeactivated, mock.Anything).Return()
		svc := NewLicenseService(st, eng, publisher, nil, nil, testLogger())

		_, err := svc.Activate(ctx, license.ActivationRequest{Code: "TEAM1-00001", Device: fp("dev-a")})
		require.NoError(t, err)

		resp, err := svc.Deactivate(ctx, license.DeactivationRequest{Code: "TEAM1-00001", Device: fp("dev-a")})
		require.NoError(t, err)
		assert.True(t, resp.Removed)
		assert.Equal(t, 0, resp.DevicesUsed)

		// The slot is free again
		again, err := svc.Activate(ctx, license.ActivationRequest{Code: "TEAM1-00001", Device: fp("dev-c")})
		require.NoError(t, err)
		assert.Equal(t, license.StatusNewlyBound, again.Status)

		publisher.AssertExpectations(t)
	})

	t.Run("unbound device succeeds without removal", func(t *testing.T) {
		st := store.NewMemory()
		eng := testEngine()
		seedCode(t, st, eng, license.CreateCodeParams{Code: "TEAM1-00001", Modality: license.ModalityCapacity, MaxDevices: 2})

		publisher := &MockPublisher{}
		svc := NewLicenseService(st, eng, publisher, nil, nil, testLogger())

		resp, err := svc.Deactivate(ctx, license.DeactivationRequest{Code: "TEAM1-00001", Device: fp("stranger")})
		require.NoError(t, err)
		assert.False(t, resp.Removed)

		// No state change, no event
		publisher.AssertNotCalled(t, "PublishEvent", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown code", func(t *testing.T) {
		svc := NewLicenseService(store.NewMemory(), testEngine(), nil, nil, nil, testLogger())

		_, err := svc.Deactivate(ctx, license.DeactivationRequest{Code: "NOPE1-00001", Device: fp("dev-a")})
		assert.ErrorIs(t, err, license.ErrCodeNotFound)
	})

	t.Run("exclusive codes refuse self-service release", func(t *testing.T) {
		st := store.NewMemory()
		eng := testEngine()
		seedCode(t, st, eng, license.CreateCodeParams{Code: "SOLO1-00001", Modality: license.ModalityExclusive, ValidityDays: 30})
		svc := NewLicenseService(st, eng, nil, nil, nil, testLogger())

		_, err := svc.Deactivate(ctx, license.DeactivationRequest{Code: "SOLO1-00001", Device: fp("dev-a")})
		assert.ErrorIs(t, err, license.ErrInvalidRequest)
	})
}

func TestLicenseServiceIssueTrial(t *testing.T) {
	ctx := context.Background()

	t.Run("first grant then identical reissue", func(t *testing.T) {
		st := store.NewMemory()
		eng := testEngine()

		publisher := &MockPublisher{}
		publisher.On("PublishEvent", mock.Anything, events.TypeTrialIssued, mock.Anything).Return()
		svc := NewLicenseService(st, eng, publisher, nil, nil, testLogger())

		first, err := svc.IssueTrial(ctx, fp("machine-1"))
		require.NoError(t, err)
		assert.True(t, license.IsTrialKey(first.Key))
		assert.False(t, first.Reissued)
		assert.Equal(t, testNow.Add(license.DefaultTrialValidity), first.Expiry)

		second, err := svc.IssueTrial(ctx, fp("machine-1"))
		require.NoError(t, err)
		assert.True(t, second.Reissued)
		assert.Equal(t, first.Key, second.Key)
		assert.Equal(t, first.Expiry, second.Expiry)

		// Reissue is not a state change
		publisher.AssertNumberOfCalls(t, "PublishEvent", 1)
	})

	t.Run("trial event never carries the key", func(t *testing.T) {
		st := store.NewMemory()
		publisher := &MockPublisher{}
		publisher.On("PublishEvent", mock.Anything, events.TypeTrialIssued, mock.Anything).Return()
		svc := NewLicenseService(st, testEngine(), publisher, nil, nil, testLogger())

		resp, err := svc.IssueTrial(ctx, fp("machine-1"))
		require.NoError(t, err)

		data := publisher.Calls[0].Arguments.Get(2).(map[string]interface{})
		for _, v := range data {
			if s, ok := v.(string); ok {
				assert.NotContains(t, s, resp.Key)
			}
		}
	})

	t.Run("missing hardware identity", func(t *testing.T) {
		svc := NewLicenseService(store.NewMemory(), testEngine(), nil, nil, nil, testLogger())

		_, err := svc.IssueTrial(ctx, "")
		assert.ErrorIs(t, err, license.ErrInvalidRequest)
	})

	t.Run("store failure surfaces unchanged", func(t *testing.T) {
		boom := errors.New("connection reset")
		st := &failingStore{Store: store.NewMemory(), updateTrialErr: boom}
		svc := NewLicenseService(st, testEngine(), nil, nil, nil, testLogger())

		_, err := svc.IssueTrial(ctx, fp("machine-1"))
		assert.ErrorIs(t, err, boom)
	})
}

func TestLicenseServiceNilLogger(t *testing.T) {
	svc := NewLicenseService(store.NewMemory(), testEngine(), nil, nil, nil, nil)
	assert.NotNil(t, svc)

	impl := svc.(*licenseService)
	assert.NotNil(t, impl.logger)
}
