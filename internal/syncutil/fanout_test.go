package syncutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOut_DeliversToAllSubscribers(t *testing.T) {
	f := NewFanOut[int]()
	a := f.Subscribe(10)
	b := f.Subscribe(10)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.Send(ctx, i))
	}
	f.Close()

	var gotA, gotB []int
	for v := range a {
		gotA = append(gotA, v)
	}
	for v := range b {
		gotB = append(gotB, v)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, gotA)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, gotB)
}

func TestFanOut_BackPressureBlocksProducer(t *testing.T) {
	f := NewFanOut[int]()
	slow := f.Subscribe(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, f.Send(context.Background(), 1)) // fills the buffer of 1

	err := f.Send(ctx, 2) // second value should block until timeout
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-slow // drain so the earlier send is observed
}

func TestFanOut_NoSubscribersIsNoop(t *testing.T) {
	f := NewFanOut[int]()
	assert.NoError(t, f.Send(context.Background(), 1))
}
