package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/neuromesh/pkg/envelope"
)

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	factory, err := envelope.NewFactory("test-service")
	require.NoError(t, err)
	env, err := factory.New(
		envelope.Actor{ID: "u1", Kind: envelope.ActorUser},
		envelope.AuthContext{Subject: "u1", Method: envelope.AuthMethodInternal},
		"task.execution.request",
		map[string]any{"task": "ping"},
	)
	require.NoError(t, err)
	return env
}

func TestMemoryBusDelivers(t *testing.T) {
	bus := NewMemoryBus()
	env := testEnvelope(t)

	var got []*envelope.Envelope
	require.NoError(t, bus.Consume(context.Background(), "tasks", func(_ context.Context, e *envelope.Envelope) error {
		got = append(got, e)
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), "tasks", env))
	require.Len(t, got, 1)
	assert.Equal(t, env.MessageID, got[0].MessageID)
}

func TestMemoryBusFanOutInSubscriptionOrder(t *testing.T) {
	bus := NewMemoryBus()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		require.NoError(t, bus.Consume(context.Background(), "tasks", func(context.Context, *envelope.Envelope) error {
			order = append(order, name)
			return nil
		}))
	}

	require.NoError(t, bus.Publish(context.Background(), "tasks", testEnvelope(t)))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestMemoryBusHandlerErrorsJoined(t *testing.T) {
	bus := NewMemoryBus()
	sentinel := errors.New("handler failed")
	require.NoError(t, bus.Consume(context.Background(), "tasks", func(context.Context, *envelope.Envelope) error {
		return sentinel
	}))
	delivered := false
	require.NoError(t, bus.Consume(context.Background(), "tasks", func(context.Context, *envelope.Envelope) error {
		delivered = true
		return nil
	}))

	err := bus.Publish(context.Background(), "tasks", testEnvelope(t))
	require.ErrorIs(t, err, sentinel)
	assert.True(t, delivered, "one handler's failure must not starve the others")
}

func TestMemoryBusNoSubscribersDropsSilently(t *testing.T) {
	bus := NewMemoryBus()
	assert.NoError(t, bus.Publish(context.Background(), "nowhere", testEnvelope(t)))
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	err := bus.Publish(context.Background(), "tasks", testEnvelope(t))
	assert.ErrorIs(t, err, ErrClosed)
	err = bus.Consume(context.Background(), "tasks", func(context.Context, *envelope.Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBusHonorsCancelledContext(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.Publish(ctx, "tasks", testEnvelope(t))
	assert.ErrorIs(t, err, context.Canceled)
}
