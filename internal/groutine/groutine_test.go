package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_LabelsGoroutine(t *testing.T) {
	// GOAL: Verify the goroutine context carries the name it was started with
	//
	// TEST SCENARIO: Start named goroutine → read label from ctx → name matches

	names := make(chan string, 1)
	Go(context.Background(), "ble-connect", func(ctx context.Context) {
		names <- Name(ctx)
	})

	select {
	case name := <-names:
		assert.Equal(t, "ble-connect", name, "MUST expose the goroutine name through its labels")
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	// GOAL: Verify a panicking goroutine is recovered and reported instead of crashing
	//
	// TEST SCENARIO: Replace OnPanic → start panicking goroutine → handler receives name and value

	type report struct {
		name  string
		value any
	}
	reports := make(chan report, 1)
	original := OnPanic
	t.Cleanup(func() { OnPanic = original })
	OnPanic = func(name string, recovered any, _ []byte) {
		reports <- report{name: name, value: recovered}
	}

	//nolint:staticcheck // nil parent is part of the contract
	Go(nil, "panicky", func(context.Context) {
		panic("boom")
	})

	select {
	case r := <-reports:
		require.Equal(t, "panicky", r.name, "MUST report the goroutine name")
		assert.Equal(t, "boom", r.value, "MUST report the recovered value")
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestName_Unlabelled(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	assert.Empty(t, Name(nil))
	assert.Empty(t, Name(context.Background()), "MUST return empty name outside a labelled goroutine")
}
