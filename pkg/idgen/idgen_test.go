package idgen

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInt64NeverRepeats(t *testing.T) {
	g := Int64{}
	require.Equal(t, int64(0), g.Last())
	seen := sync.Map{}
	dups := atomic.Int32{}
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if _, dup := seen.LoadOrStore(g.Next(), true); dup {
					dups.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(0), dups.Load())
	require.Equal(t, int64(8000), g.Last())
}

func TestDisplay(t *testing.T) {
	d := Display{Prefix: "P"}
	require.Equal(t, "P-1", d.Next())
	require.Equal(t, "P-2", d.Next())
}
