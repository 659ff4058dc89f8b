package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetCapabilities(t *testing.T) {
	tests := map[string]string{
		"memory":         "memory",
		"channel":        "memory",
		"sqlite":         "sqlite",
		"postgres":       "postgres",
		"postgresql":     "postgres",
		"aws":            "aws",
		"sqs":            "aws",
		"nats-jetstream": "nats-jetstream",
		"jetstream":      "nats-jetstream",
	}

	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, GetCapabilities(name).Name)
		})
	}
}

func TestGetCapabilities_Unknown(t *testing.T) {
	caps := GetCapabilities("unknown-transport")
	assert.Equal(t, "unknown-transport", caps.Name)
	assert.Zero(t, caps.MaxBatchSize)
}

func TestClamp(t *testing.T) {
	t.Run("within limits", func(t *testing.T) {
		l := Clamp(GetCapabilities("sqs"), 8, time.Minute)
		assert.Equal(t, 8, l.BatchSize)
		assert.Equal(t, time.Minute, l.VisibilityTimeout)
		assert.False(t, l.Clamped)
	})

	t.Run("over limits", func(t *testing.T) {
		l := Clamp(GetCapabilities("sqs"), 32, 24*time.Hour)
		assert.Equal(t, 10, l.BatchSize)
		assert.Equal(t, 12*time.Hour, l.VisibilityTimeout)
		assert.True(t, l.Clamped)
	})

	t.Run("unlimited backend", func(t *testing.T) {
		l := Clamp(GetCapabilities("memory"), 500, 48*time.Hour)
		assert.Equal(t, 500, l.BatchSize)
		assert.False(t, l.Clamped)
	})
}
