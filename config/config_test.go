package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/splice/config"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		description string
		content     string
		expected    func(*config.Config)
		err         bool
	}{
		{
			description: "empty file keeps defaults",
			content:     "",
			expected:    func(*config.Config) {},
		},
		{
			description: "overrides",
			content: `
input: in.wav
output: out.wav
branches: 3
duration: 15s
sync: false
kinds:
  reader: filesrc
  demuxer: wavdemux
  merger: concat
  parser: pcmparse
  muxer: wavmux
  sink: filesink
`,
			expected: func(c *config.Config) {
				c.Input = "in.wav"
				c.Output = "out.wav"
				c.Branches = 3
				c.Duration = 15 * time.Second
				c.Sync = false
			},
		},
		{
			description: "partial kinds",
			content: `
kinds:
  reader: other
`,
			expected: func(c *config.Config) {
				c.Kinds.Reader = "other"
			},
		},
		{
			description: "unknown field",
			content:     "inputs: in.wav\n",
			err:         true,
		},
		{
			description: "multiple documents",
			content:     "input: a\n---\ninput: b\n",
			err:         true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "splice.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			cfg, err := config.Load(path)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			expected := config.Default()
			tt.expected(&expected)
			assert.Equal(t, expected, cfg)
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		c := config.Default()
		c.Input, c.Output = "in.wav", "out.wav"
		return c
	}
	tests := []struct {
		description string
		mutate      func(*config.Config)
		valid       bool
	}{
		{
			description: "valid",
			mutate:      func(*config.Config) {},
			valid:       true,
		},
		{
			description: "no input",
			mutate:      func(c *config.Config) { c.Input = "" },
		},
		{
			description: "zero branches",
			mutate:      func(c *config.Config) { c.Branches = 0 },
		},
		{
			description: "no rebuild timeout",
			mutate:      func(c *config.Config) { c.RebuildTimeout = 0 },
		},
		{
			description: "no merger",
			mutate:      func(c *config.Config) { c.Kinds.Merger = "" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}
