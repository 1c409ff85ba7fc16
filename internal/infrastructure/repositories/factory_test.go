package repositories

import (
	"context"
	"testing"

	"navideo/internal/infrastructure/repositories/memory"
	"navideo/pkg/config"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRepositoryFactory_MemoryByDefault(t *testing.T) {
	f := NewRepositoryFactory(config.DefaultConfig(), zap.NewNop().Sugar())

	assert.IsType(t, &memory.MemoryRoomRepository{}, f.CreateRoomRepository())
	assert.Nil(t, f.RedisClient())
	assert.NoError(t, f.HealthCheck(context.Background()))
	assert.NoError(t, f.Close())
}

func TestRepositoryFactory_UnreachableRedisFallsBack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f := NewRepositoryFactory(cfg, zap.NewNop().Sugar())

	assert.IsType(t, &memory.MemoryRoomRepository{}, f.CreateRoomRepository())
	assert.Nil(t, f.RedisClient())
}
