package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

func noopHandler(context.Context, *models.MetaModelTaskData) error { return nil }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("b.sync", noopHandler)
	r.Register("a.sync", noopHandler)

	h, ok := r.Lookup("a.sync")
	require.True(t, ok)
	assert.NotNil(t, h)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a.sync", "b.sync"}, r.TaskTypes())
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("a.sync", noopHandler)
	assert.Panics(t, func() { r.Register("a.sync", noopHandler) })
	assert.Panics(t, func() { r.Register("", noopHandler) })
	assert.Panics(t, func() { r.Register("b.sync", nil) })
}

func TestLocalNotifier_Coalesces(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()

	n.Notify(ctx)
	n.Notify(ctx)
	n.Notify(ctx)

	select {
	case <-n.Wakeups():
	default:
		t.Fatal("expected a pending wake up")
	}
	select {
	case <-n.Wakeups():
		t.Fatal("wake ups should coalesce into one")
	default:
	}
}

func TestCalculateBackoff(t *testing.T) {
	r := NewRunner(nil, NewRegistry(), nil, zap.NewNop(), WithRetryConfig(RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
	}))

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		got := r.calculateBackoff(tt.attempt)
		delta := time.Duration(float64(tt.base) * 0.1)
		assert.GreaterOrEqual(t, got, tt.base-delta, "attempt %d", tt.attempt)
		assert.LessOrEqual(t, got, tt.base+delta, "attempt %d", tt.attempt)
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 2*time.Second, cfg.InitialBackoff)
	assert.Equal(t, 5*time.Minute, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
}

func TestInvoke_RecoversPanic(t *testing.T) {
	err := invoke(context.Background(), func(context.Context, *models.MetaModelTaskData) error {
		panic("boom")
	}, &models.MetaModelTaskData{Task: "a.sync"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
