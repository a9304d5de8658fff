package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dukex/lexflow/pkg/models"
)

func setupRedis(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return "redis://" + endpoint + "/0"
}

func TestRedis(t *testing.T) {
	url := setupRedis(t)
	ctx := context.Background()

	cache, err := NewRedisFromURL(ctx, slog.Default(), url, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	_, ok := cache.Get(ctx, "e1")
	assert.False(t, ok)

	defs := []*models.Definition{{
		ID:       "f1",
		TenantID: "e1",
		Name:     "Revisión",
		Status:   models.DefinitionStatusActive,
		Steps: []*models.Step{{
			Name:      "aviso",
			Order:     1,
			Mandatory: true,
			Actions:   []models.Action{{Spec: &models.NotificationAction{Recipients: []string{"u1"}, Template: "hola"}}},
		}},
	}}

	require.NoError(t, cache.Set(ctx, "e1", defs))

	got, ok := cache.Get(ctx, "e1")
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "f1", got[0].ID)
	assert.Equal(t, models.ActionTypeNotification, got[0].Steps[0].Actions[0].Type())

	require.NoError(t, cache.Invalidate(ctx, "e1"))
	_, ok = cache.Get(ctx, "e1")
	assert.False(t, ok)
}
