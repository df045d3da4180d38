package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SERVICE_ROLES", "")
	t.Setenv("SAGA_COMPENSATION_ENABLED", "")

	cfg := Load()

	assert.Equal(t, StoreDriverMemory, cfg.Database.Driver)
	assert.Equal(t, BusDriverMemory, cfg.Bus.Driver)
	assert.Equal(t, "order-events", cfg.Bus.Topic)
	assert.True(t, cfg.Saga.CompensationEnabled)
	assert.Len(t, cfg.Server.Roles, 5)
}

func TestLoadRolesAndFlags(t *testing.T) {
	t.Setenv("SERVICE_ROLES", " dispatch , shipping,")
	t.Setenv("SAGA_COMPENSATION_ENABLED", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := Load()

	assert.Equal(t, []string{"dispatch", "shipping"}, cfg.Server.Roles)
	assert.True(t, cfg.HasRole("dispatch"))
	assert.False(t, cfg.HasRole("order"))
	assert.False(t, cfg.Saga.CompensationEnabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Bus.Brokers)
}

func TestHasRoleAll(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Roles: []string{"all"}}}
	assert.True(t, cfg.HasRole("payment"))
}
