package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cuongbtq/jobkit/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueues_GetCachesHandles(t *testing.T) {
	factory := newCountingFactory(broker.Options{})
	queues := NewQueues(factory, discardLogger())

	a, err := queues.Get("mail")
	require.NoError(t, err)
	b, err := queues.Get("mail")
	require.NoError(t, err)
	_, err = queues.Get("reports")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, int32(2), factory.opens.Load())
	assert.Equal(t, []string{"mail", "reports"}, queues.Names())
}

func TestQueues_InvalidConfig(t *testing.T) {
	factory := newCountingFactory(broker.Options{})
	factory.openErr = fmt.Errorf("%w: host is required", broker.ErrInvalidConfig)
	queues := NewQueues(factory, discardLogger())

	_, err := queues.Get("mail")

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.ErrorIs(t, err, broker.ErrInvalidConfig)
}

func TestQueues_CloseIsIdempotent(t *testing.T) {
	factory := newCountingFactory(broker.Options{})
	queues := NewQueues(factory, discardLogger())
	ctx := context.Background()

	mail, err := queues.Get("mail")
	require.NoError(t, err)
	reports, err := queues.Get("reports")
	require.NoError(t, err)

	require.NoError(t, queues.Close(ctx))
	require.NoError(t, queues.Close(ctx))

	assert.ErrorIs(t, mail.Ping(ctx), broker.ErrClosed)
	assert.ErrorIs(t, reports.Ping(ctx), broker.ErrClosed)
	assert.Equal(t, int32(1), factory.closes.Load())

	_, err = queues.Get("mail")
	assert.ErrorIs(t, err, broker.ErrClosed)
}
