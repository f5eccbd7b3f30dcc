package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	outboxDomain "github.com/sakashimaa/go-telemetry-sink/pkg/outbox/domain"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/domain"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/service"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/transport/http/handler"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type acceptAll struct {
	service.SettingsService
}

func (acceptAll) Update(_ context.Context, deviceID string, _ *domain.Patch) (*domain.UpdateResult, error) {
	return &domain.UpdateResult{DeviceID: deviceID, OutboxID: 1, Status: string(outboxDomain.StatusPending)}, nil
}

func patch(t *testing.T, app *fiber.App, deviceID string) int {
	t.Helper()

	req := httptest.NewRequest("PATCH", "/api/v1/settings/"+deviceID, strings.NewReader(`{"mode": 1}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	return resp.StatusCode
}

func TestCommandLimitIsPerDevice(t *testing.T) {
	app := fiber.New()
	RegisterRoutes(app, &Handlers{
		Settings: handler.NewSettingsHandler(acceptAll{}, zap.NewNop()),
	}, CommandLimit{Max: 2, Window: time.Minute}, prometheus.NewRegistry())

	require.Equal(t, fiber.StatusAccepted, patch(t, app, "hp-1"))
	require.Equal(t, fiber.StatusAccepted, patch(t, app, "hp-1"))
	require.Equal(t, fiber.StatusTooManyRequests, patch(t, app, "hp-1"))

	require.Equal(t, fiber.StatusAccepted, patch(t, app, "hp-2"))
}

func TestHealthAndMetrics(t *testing.T) {
	app := fiber.New()
	RegisterRoutes(app, &Handlers{
		Settings: handler.NewSettingsHandler(acceptAll{}, zap.NewNop()),
	}, CommandLimit{}, prometheus.NewRegistry())

	for _, path := range []string{"/health", "/metrics"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, resp.StatusCode, path)
	}
}
