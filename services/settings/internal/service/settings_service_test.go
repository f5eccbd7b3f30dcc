package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sakashimaa/go-telemetry-sink/pkg/metrics"
	outboxDomain "github.com/sakashimaa/go-telemetry-sink/pkg/outbox/domain"
	outboxRepository "github.com/sakashimaa/go-telemetry-sink/pkg/outbox/repository"
	"github.com/sakashimaa/go-telemetry-sink/pkg/outbox/worker"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/domain"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

type fakePool struct {
	tx    *fakeTx
	began int
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	p.began++
	p.tx = &fakeTx{}
	return p.tx, nil
}

type fakeSettingsRepo struct {
	repository.SettingsRepository
	updateErr error
	updated   map[string]any
}

func (r *fakeSettingsRepo) Update(ctx context.Context, tx pgx.Tx, deviceID string, patch *domain.Patch) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.updated = patch.Columns()
	return nil
}

type fakeOutboxRepo struct {
	worker.OutboxRepository
	saveErr   error
	saved     []*outboxDomain.OutboxEvent
	confirmed   int64
	confirmOf   string
	confirmType string
	statuses    map[int64]outboxDomain.Status
	err         error
}

func (r *fakeOutboxRepo) SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *outboxDomain.OutboxEvent) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	event.Id = int64(len(r.saved) + 1)
	r.saved = append(r.saved, event)
	return nil
}

func (r *fakeOutboxRepo) ConfirmAggregate(ctx context.Context, aggregateType, aggregateID string, observedAt time.Time) (int64, error) {
	r.confirmType = aggregateType
	r.confirmOf = aggregateID
	return r.confirmed, r.err
}

func (r *fakeOutboxRepo) Confirm(ctx context.Context, id int64) error {
	status, ok := r.statuses[id]
	if !ok {
		return outboxRepository.ErrOutboxEventNotFound
	}
	if status != outboxDomain.StatusPublished {
		return outboxRepository.ErrStaleStatus
	}
	r.statuses[id] = outboxDomain.StatusConfirmed
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

func newTestService() (SettingsService, *fakePool, *fakeSettingsRepo, *fakeOutboxRepo) {
	pool := &fakePool{}
	settingsRepo := &fakeSettingsRepo{}
	outboxRepo := &fakeOutboxRepo{}

	return NewSettingsService(pool, settingsRepo, outboxRepo, 5, metrics.NewOutbox(prometheus.NewRegistry()), zap.NewNop()), pool, settingsRepo, outboxRepo
}

func TestUpdate_WritesSettingsAndOutboxTogether(t *testing.T) {
	svc, pool, settingsRepo, outboxRepo := newTestService()

	res, err := svc.Update(context.Background(), "hp-1", &domain.Patch{
		IndoorTargetTemp: ptr(21.5),
		Mode:             ptr(2),
	})
	require.NoError(t, err)

	assert.Equal(t, "hp-1", res.DeviceID)
	assert.Equal(t, int64(1), res.OutboxID)
	assert.Equal(t, "pending", res.Status)

	assert.True(t, pool.tx.committed)
	assert.Equal(t, map[string]any{"indoor_target_temp": 21.5, "mode": 2}, settingsRepo.updated)

	require.Len(t, outboxRepo.saved, 1)
	event := outboxRepo.saved[0]
	assert.Equal(t, domain.AggregateType, event.AggregateType)
	assert.Equal(t, "hp-1", event.AggregateID)
	assert.Equal(t, domain.EventTypeUpdate, event.EventType)
	assert.Equal(t, 5, event.MaxRetries)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, map[string]any{"indoor_target_temp": 21.5, "mode": float64(2)}, payload)
}

func TestUpdate_RejectsOutOfRangeValues(t *testing.T) {
	svc, pool, _, outboxRepo := newTestService()

	_, err := svc.Update(context.Background(), "hp-1", &domain.Patch{IndoorTargetTemp: ptr(45.0)})
	require.ErrorIs(t, err, ErrInvalidPatch)

	var validationErrors validator.ValidationErrors
	require.True(t, errors.As(err, &validationErrors))
	assert.Equal(t, "indoor_target_temp", validationErrors[0].Field())

	assert.Zero(t, pool.began)
	assert.Empty(t, outboxRepo.saved)
}

func TestUpdate_EmptyPatch(t *testing.T) {
	svc, pool, _, _ := newTestService()

	_, err := svc.Update(context.Background(), "hp-1", &domain.Patch{})
	require.ErrorIs(t, err, ErrInvalidPatch)
	require.ErrorIs(t, err, domain.ErrEmptyPatch)
	assert.Zero(t, pool.began)
}

func TestUpdate_MissingDeviceLeavesNoCommand(t *testing.T) {
	svc, pool, settingsRepo, outboxRepo := newTestService()
	settingsRepo.updateErr = repository.ErrSettingsNotFound

	_, err := svc.Update(context.Background(), "nope", &domain.Patch{Mode: ptr(1)})
	require.ErrorIs(t, err, repository.ErrSettingsNotFound)

	assert.Empty(t, outboxRepo.saved)
	assert.False(t, pool.tx.committed)
	assert.True(t, pool.tx.rolledBack)
}

func TestUpdate_OutboxFailureRollsBackSettings(t *testing.T) {
	svc, pool, _, outboxRepo := newTestService()
	outboxRepo.saveErr = errors.New("disk full")

	_, err := svc.Update(context.Background(), "hp-1", &domain.Patch{Mode: ptr(1)})
	require.Error(t, err)

	assert.False(t, pool.tx.committed)
	assert.True(t, pool.tx.rolledBack)
}

func TestConfirmation_ConfirmsDeviceCommands(t *testing.T) {
	outboxRepo := &fakeOutboxRepo{confirmed: 2}
	m := metrics.NewOutbox(prometheus.NewRegistry())
	svc := NewConfirmationService(outboxRepo, "$.tags.device_id", m, zap.NewNop())

	err := svc.Observe(context.Background(), []byte(`{"tags": {"device_id": "hp-1"}, "ts": 1}`), time.Now())
	require.NoError(t, err)

	assert.Equal(t, "hp-1", outboxRepo.confirmOf)
	assert.Equal(t, domain.AggregateType, outboxRepo.confirmType)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Confirmed))
}

func TestConfirmCommand_CountsExplicitConfirmations(t *testing.T) {
	outboxRepo := &fakeOutboxRepo{statuses: map[int64]outboxDomain.Status{
		1: outboxDomain.StatusPublished,
		2: outboxDomain.StatusPending,
	}}
	m := metrics.NewOutbox(prometheus.NewRegistry())
	svc := NewSettingsService(&fakePool{}, &fakeSettingsRepo{}, outboxRepo, 5, m, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, svc.ConfirmCommand(ctx, 1))
	require.ErrorIs(t, svc.ConfirmCommand(ctx, 1), outboxRepository.ErrStaleStatus)
	require.ErrorIs(t, svc.ConfirmCommand(ctx, 2), outboxRepository.ErrStaleStatus)
	require.ErrorIs(t, svc.ConfirmCommand(ctx, 3), outboxRepository.ErrOutboxEventNotFound)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Confirmed))
}

func TestConfirmation_IgnoresMessagesWithoutDevice(t *testing.T) {
	outboxRepo := &fakeOutboxRepo{confirmed: 1}
	m := metrics.NewOutbox(prometheus.NewRegistry())
	svc := NewConfirmationService(outboxRepo, "$.tags.device_id", m, zap.NewNop())

	require.NoError(t, svc.Observe(context.Background(), []byte(`{"ts": 1}`), time.Now()))
	require.NoError(t, svc.Observe(context.Background(), []byte(`not json`), time.Now()))

	assert.Empty(t, outboxRepo.confirmOf)
	assert.Zero(t, testutil.ToFloat64(m.Confirmed))
}

func TestConfirmation_PropagatesStoreErrors(t *testing.T) {
	outboxRepo := &fakeOutboxRepo{err: errors.New("connection reset")}
	svc := NewConfirmationService(outboxRepo, "$.tags.device_id", metrics.NewOutbox(prometheus.NewRegistry()), zap.NewNop())

	err := svc.Observe(context.Background(), []byte(`{"tags": {"device_id": 7}}`), time.Now())
	require.Error(t, err)
	assert.Equal(t, "7", outboxRepo.confirmOf)
}
