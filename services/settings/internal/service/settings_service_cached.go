package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	outboxDomain "github.com/sakashimaa/go-telemetry-sink/pkg/outbox/domain"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/domain"
)

type cachedSettingsService struct {
	next        SettingsService
	redisClient *redis.Client
	cacheTTL    time.Duration
}

func NewCachedSettingsService(next SettingsService, redisClient *redis.Client, cacheTTL time.Duration) SettingsService {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute * 10
	}

	return &cachedSettingsService{
		next:        next,
		redisClient: redisClient,
		cacheTTL:    cacheTTL,
	}
}

func settingsKey(deviceID string) string {
	return "settings:" + deviceID
}

// Get may serve a value up to cacheTTL old when the device itself reported new
// settings through the sink.
func (s *cachedSettingsService) Get(ctx context.Context, deviceID string) (*domain.Settings, error) {
	key := settingsKey(deviceID)

	val, err := s.redisClient.Get(ctx, key).Result()
	if err == nil {
		var settings domain.Settings
		if err := json.Unmarshal([]byte(val), &settings); err == nil {
			return &settings, nil
		}
	}

	settings, err := s.next.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(settings); err == nil {
		s.redisClient.Set(ctx, key, data, s.cacheTTL)
	}

	return settings, nil
}

func (s *cachedSettingsService) List(ctx context.Context) ([]domain.Settings, error) {
	return s.next.List(ctx)
}

func (s *cachedSettingsService) Update(ctx context.Context, deviceID string, patch *domain.Patch) (*domain.UpdateResult, error) {
	res, err := s.next.Update(ctx, deviceID, patch)
	if err != nil {
		return nil, err
	}

	s.redisClient.Del(ctx, settingsKey(deviceID))
	return res, nil
}

func (s *cachedSettingsService) GetCommand(ctx context.Context, outboxID int64) (*outboxDomain.OutboxEvent, error) {
	return s.next.GetCommand(ctx, outboxID)
}

func (s *cachedSettingsService) ConfirmCommand(ctx context.Context, outboxID int64) error {
	return s.next.ConfirmCommand(ctx, outboxID)
}
