package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandhq/strand/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewRegistry(log)
}

func validAgent(id string) *Agent {
	return &Agent{
		ID:       id,
		Name:     "Test Agent",
		Routing:  RoutingDetached,
		MaxSteps: 5,
		Enabled:  true,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(validAgent("a-1")))
	assert.True(t, r.Exists("a-1"))

	got, err := r.Get("a-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", got.ID)

	_, err = r.Get("missing")
	assert.Error(t, err)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(validAgent("a-1")))
	err := r.Register(validAgent("a-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(validAgent("a-1")))
	require.NoError(t, r.Unregister("a-1"))
	assert.False(t, r.Exists("a-1"))

	assert.Error(t, r.Unregister("a-1"))
}

func TestListEnabled(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(validAgent("on")))
	off := validAgent("off")
	off.Enabled = false
	require.NoError(t, r.Register(off))

	assert.Len(t, r.List(), 2)

	enabled := r.ListEnabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "on", enabled[0].ID)
}

func TestLoadDefaults(t *testing.T) {
	r := newTestRegistry(t)
	r.LoadDefaults()

	for _, a := range DefaultAgents() {
		got, err := r.Get(a.ID)
		require.NoError(t, err)
		assert.True(t, got.Routing.Valid())
		assert.NoError(t, ValidateAgent(got))
	}
}

func TestLoadFromFile(t *testing.T) {
	r := newTestRegistry(t)

	path := filepath.Join(t.TempDir(), "agents.json")
	payload := `[
		{"id": "good", "name": "Good", "routing": "inline", "max_steps": 1, "enabled": true},
		{"id": "bad", "name": "Bad", "routing": "teleport", "max_steps": 1, "enabled": true}
	]`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	require.NoError(t, r.LoadFromFile(path))
	assert.True(t, r.Exists("good"), "valid entries load")
	assert.False(t, r.Exists("bad"), "invalid entries are skipped, not fatal")

	assert.Error(t, r.LoadFromFile(filepath.Join(t.TempDir(), "nope.json")))
}

func TestValidateAgent(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Agent)
		wantErr bool
	}{
		{"valid", func(a *Agent) {}, false},
		{"missing id", func(a *Agent) { a.ID = "" }, true},
		{"missing name", func(a *Agent) { a.Name = "" }, true},
		{"bad routing", func(a *Agent) { a.Routing = "carrier-pigeon" }, true},
		{"negative steps", func(a *Agent) { a.MaxSteps = -1 }, true},
		{"zero steps ok", func(a *Agent) { a.MaxSteps = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAgent("a-1")
			tt.mutate(a)
			err := ValidateAgent(a)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.Error(t, ValidateAgent(nil))
}
