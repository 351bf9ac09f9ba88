package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/metric"
)

func TestNewClient_Options(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithTimeout(2*time.Second),
		WithName("reddust"),
		WithToken("secret"),
	)
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, 3, c.maxReconnects)
	assert.Equal(t, 2*time.Second, c.timeout)
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Len(t, c.connectionOptions(), 9)
}

func TestNewClient_Invalid(t *testing.T) {
	_, err := NewClient("")
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithTimeout(0))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithCredentials("user", ""))
	assert.Error(t, err)
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.CreateKeyValueBucket(context.Background(), jetstream.KeyValueConfig{Bucket: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.True(t, errors.IsFatal(c.Connect(context.Background())))
}

func TestClient_ConnectCancelled(t *testing.T) {
	c, err := NewClient("nats://192.0.2.1:4222", WithTimeout(5*time.Second), WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestClient_StatusGauge(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)

	c.setStatus(StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().NATSConnected))
	c.setStatus(StatusReconnecting)
	assert.Equal(t, 0.0, testutil.ToFloat64(registry.CoreMetrics().NATSConnected))
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, isAlreadyExistsError(jetstream.ErrBucketExists))
	assert.True(t, isAlreadyExistsError(fmt.Errorf("nats: stream name already in use")))
	assert.False(t, isAlreadyExistsError(nil))

	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyNotFound))
	assert.True(t, IsKVNotFoundError(fmt.Errorf("wrapped: %w", ErrKVKeyNotFound)))
	assert.False(t, IsKVNotFoundError(fmt.Errorf("timeout")))
}
