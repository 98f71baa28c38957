package modhost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadinessTransitions(t *testing.T) {
	table := NewReadinessTable()
	assert.Equal(t, ReadinessUnknown, table.State("a"))

	changed, err := table.Set("a", Ready)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = table.Set("a", Ready)
	require.NoError(t, err)
	assert.False(t, changed, "re-applying the same state is a no-op")

	_, err = table.Set("a", Failed)
	assert.ErrorIs(t, err, ErrReadinessRegression)
	assert.Equal(t, Ready, table.State("a"))

	_, err = table.Set("b", Failed)
	require.NoError(t, err)
	_, err = table.Set("b", Ready)
	assert.ErrorIs(t, err, ErrReadinessRegression)

	_, err = table.Set("c", ReadinessUnknown)
	assert.ErrorIs(t, err, ErrInvalidReadiness)

	assert.Equal(t, map[string]Readiness{"a": Ready, "b": Failed, "c": ReadinessUnknown}, table.Snapshot())
}

func TestReadinessWait(t *testing.T) {
	table := NewReadinessTable()
	ctx := context.Background()

	result := make(chan Readiness, 1)
	go func() {
		state, err := table.Wait(ctx, "a")
		if err == nil {
			result <- state
		}
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := table.Set("a", Failed)
	require.NoError(t, err)

	select {
	case state := <-result:
		assert.Equal(t, Failed, state)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	state, err := table.Wait(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Failed, state, "terminal entries return immediately")

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = table.Wait(timeout, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadinessChanged(t *testing.T) {
	table := NewReadinessTable()
	changed := table.Changed()

	select {
	case <-changed:
		t.Fatal("closed before any transition")
	default:
	}

	_, err := table.Set("a", Ready)
	require.NoError(t, err)
	select {
	case <-changed:
	default:
		t.Fatal("not closed after a transition")
	}

	next := table.Changed()
	_, _ = table.Set("a", Ready)
	select {
	case <-next:
		t.Fatal("a no-op must not signal")
	default:
	}
}
