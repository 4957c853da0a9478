package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(0x8010fffc), cfg.Target.StackTop())
	assert.Equal(t, uint64(2000), cfg.Run.MaxInstructions)

	specs, err := cfg.Specs()
	require.NoError(t, err)
	assert.Len(t, specs, 4)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fisim.yaml")
	data := `
target:
  auth_base: 0x0AB00000
  success_value: 0x5a5a
run:
  timeout: 250ms
  single_step: true
campaign:
  faults: [skip1, flip3]
  depth: 2
  workers: 4
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x0AB00000), cfg.Target.AuthBase)
	assert.Equal(t, uint32(0x5a5a), cfg.Target.SuccessValue)
	assert.Equal(t, uint32(2), cfg.Target.FailedValue, "default kept")
	assert.Equal(t, uint64(0x80100000), cfg.Target.StackBase, "default kept")
	assert.Equal(t, 250*time.Millisecond, cfg.Run.Timeout)
	assert.True(t, cfg.Run.SingleStep)
	assert.Equal(t, []string{"skip1", "flip3"}, cfg.Campaign.Faults)
	assert.Equal(t, 2, cfg.Campaign.Depth)
	assert.Equal(t, 4, cfg.Campaign.Workers)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("target:\n  stak_base: 1\n"), 0o644))
	_, err = Load(unknown)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("campaign:\n  faults: [glitch]\n"), 0o644))
	_, err = Load(invalid)
	assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Run.Timeout = 3 * time.Second

	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "timeout: 3s")

	got := Default()
	require.NoError(t, Parse(data, got))
	assert.Equal(t, cfg, got)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"page size", func(c *Config) { c.Target.PageSize = 0x1800 }},
		{"stack size", func(c *Config) { c.Target.StackSize = 0x800 }},
		{"unaligned", func(c *Config) { c.Target.AuthBase = 0x0AA01004 }},
		{"overlap", func(c *Config) { c.Target.SerialBase = c.Target.StackBase + 0x1000 }},
		{"same verdict", func(c *Config) { c.Target.FailedValue = c.Target.SuccessValue }},
		{"no symbol", func(c *Config) { c.Target.SerialSymbol = "" }},
		{"budget", func(c *Config) { c.Run.MaxInstructions = 0 }},
		{"timeout", func(c *Config) { c.Run.Timeout = 0 }},
		{"depth", func(c *Config) { c.Campaign.Depth = 3 }},
		{"workers", func(c *Config) { c.Campaign.Workers = -1 }},
		{"no faults", func(c *Config) { c.Campaign.Faults = nil }},
		{"bad fault", func(c *Config) { c.Campaign.Faults = []string{"skip0"} }},
		{"address space", func(c *Config) { c.Target.StackBase = 0xffff8000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
