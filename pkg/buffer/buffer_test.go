package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircular_FIFO(t *testing.T) {
	b := NewCircular[int](3)
	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Write(i))
	}
	assert.Equal(t, 3, b.Size())

	v, ok := b.Read()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []int{2, 3}, b.ReadBatch(10))

	_, ok = b.Read()
	assert.False(t, ok)
	assert.Nil(t, b.ReadBatch(1))
}

func TestCircular_OverflowPolicies(t *testing.T) {
	tests := []struct {
		name    string
		policy  OverflowPolicy
		want    []int
		dropped []int
	}{
		{"drop oldest", DropOldest, []int{3, 4, 5}, []int{1, 2}},
		{"drop newest", DropNewest, []int{1, 2, 3}, []int{4, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dropped []int
			b := NewCircular[int](3,
				WithOverflowPolicy[int](tt.policy),
				WithDropCallback[int](func(v int) { dropped = append(dropped, v) }))
			for i := 1; i <= 5; i++ {
				require.NoError(t, b.Write(i))
			}
			assert.Equal(t, tt.want, b.ReadBatch(10))
			assert.Equal(t, tt.dropped, dropped)
			assert.Equal(t, int64(2), b.Drops())
		})
	}
}

func TestCircular_NotifyAndClose(t *testing.T) {
	b := NewCircular[string](2)
	require.NoError(t, b.Write("a"))
	require.NoError(t, b.Write("b"))

	select {
	case <-b.Notify():
	default:
		t.Fatal("expected a pending notification")
	}

	require.NoError(t, b.Close())
	assert.Error(t, b.Write("c"))
	assert.Equal(t, []string{"a", "b"}, b.ReadBatch(5))
}

func TestCircular_ConcurrentWriters(t *testing.T) {
	b := NewCircular[int](1000)
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = b.Write(i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, b.Size())
	assert.Equal(t, 1000, b.Capacity())
}
