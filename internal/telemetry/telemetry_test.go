package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_DisabledIsNoOp(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_EnabledRequiresEndpoint(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, ServiceName: "decisiond"}, nil)
	assert.Error(t, err)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
