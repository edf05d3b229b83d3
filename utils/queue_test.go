package utils

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFDQueue_Drain(t *testing.T) {
	const N = 1 << 10
	const K = 1 << 4
	ctx := context.Background()

	queue := NewFDQueue[[][]byte](1024, time.Second, 64)

	var wg sync.WaitGroup
	for k := 0; k < K; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			i := uint64(k) << 32
			for n := uint64(0); n < N; n++ {
				var b [8]byte
				binary.LittleEndian.PutUint64(b[:], i|n)
				err := queue.Drain(ctx, [][]byte{b[:]})
				assert.Nil(t, err)
			}
		}(k)
	}

	check := [K]int{}
	for i := 0; i < N*K; {
		nums, err := queue.Feed(ctx)
		assert.Nil(t, err)
		for _, num := range nums {
			assert.Equal(t, 8, len(num))
			j := binary.LittleEndian.Uint64(num)
			k := int(j >> 32)
			n := int(j & 0xffffffff)
			assert.Equal(t, check[k], n)
			check[k] = n + 1
			i++
		}
	}
	wg.Wait()

	assert.Nil(t, queue.Close())
	err := queue.Drain(ctx, [][]byte{{'a'}})
	assert.Equal(t, ErrClosed, err)
	_, err = queue.Feed(ctx)
	assert.Equal(t, ErrClosed, err)
}

func TestFDQueue_Overflow(t *testing.T) {
	ctx := context.Background()
	queue := NewFDQueue[[][]byte](4, 10*time.Millisecond, 4)

	assert.NoError(t, queue.Drain(ctx, [][]byte{{1, 2, 3}}))
	assert.Equal(t, 3, queue.Size())
	assert.Equal(t, ErrOverflow, queue.Drain(ctx, [][]byte{{4, 5}}))
	// sticky
	_, err := queue.Feed(ctx)
	assert.Equal(t, ErrOverflow, err)
}

func TestFDQueue_FeedTimeout(t *testing.T) {
	queue := NewFDQueue[[][]byte](16, 5*time.Millisecond, 16)
	recs, err := queue.Feed(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, recs)
}
