package simclr

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Dataset:        10,
		CropSize:       32,
		Strength:       0.5,
		BatchSize:      256,
		Temperature:    0.5,
		ProjectionDim:  128,
		WeightDecay:    1e-6,
		MaxLR:          1e-3,
		WarmupEpochs:   10,
		CooldownEpochs: 90,
		CosineSchedule: true,
		EncoderDepth:   18,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad dataset", func(c *Config) { c.Dataset = 50 }},
		{"bad depth", func(c *Config) { c.EncoderDepth = 101 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero temperature", func(c *Config) { c.Temperature = 0 }},
		{"negative projection", func(c *Config) { c.ProjectionDim = -1 }},
		{"zero crop", func(c *Config) { c.CropSize = 0 }},
		{"zero max LR", func(c *Config) { c.MaxLR = 0 }},
		{"negative warmup", func(c *Config) { c.WarmupEpochs = -1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSupportedDepths(t *testing.T) {
	assert.Equal(t, []int{18, 34, 50}, SupportedDepths())

	// The validation error names the full registry.
	cfg := validConfig()
	cfg.EncoderDepth = 101
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[18 34 50]")
}

func TestConfigEmbeddingDim(t *testing.T) {
	for depth, want := range map[int]int{18: 512, 34: 512, 50: 2048} {
		cfg := validConfig()
		cfg.EncoderDepth = depth
		assert.Equal(t, want, cfg.EmbeddingDim())
	}
	assert.Panics(t, func() {
		cfg := validConfig()
		cfg.EncoderDepth = 42
		cfg.EmbeddingDim()
	})
}

func TestConfigFingerprint(t *testing.T) {
	cfg := validConfig()
	// Deterministic across calls and across copies.
	assert.Equal(t, cfg.Fingerprint(), cfg.Fingerprint())
	assert.Equal(t, cfg.Fingerprint(), validConfig().Fingerprint())

	// Any single-field change must isolate the run.
	mutations := []func(*Config){
		func(c *Config) { c.Dataset = 100 },
		func(c *Config) { c.CropSize = 24 },
		func(c *Config) { c.Strength = 1.0 },
		func(c *Config) { c.BatchSize = 128 },
		func(c *Config) { c.Temperature = 0.1 },
		func(c *Config) { c.ProjectionDim = 64 },
		func(c *Config) { c.WeightDecay = 1e-4 },
		func(c *Config) { c.MaxLR = 1.0 },
		func(c *Config) { c.WarmupEpochs = 5 },
		func(c *Config) { c.CooldownEpochs = 45 },
		func(c *Config) { c.CosineSchedule = false },
		func(c *Config) { c.EncoderDepth = 50 },
	}
	seen := map[string]bool{validConfig().Fingerprint(): true}
	for i, mutate := range mutations {
		mutated := validConfig()
		mutate(&mutated)
		fp := mutated.Fingerprint()
		assert.Falsef(t, seen[fp], "mutation #%d collided with a previous fingerprint", i)
		seen[fp] = true
	}
}

func TestConfigParamsRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Dataset = 100
	cfg.EncoderDepth = 50
	cfg.CosineSchedule = false

	ctx := context.New()
	cfg.AttachParams(ctx)
	assert.Equal(t, cfg, ConfigFromContext(ctx))
}
