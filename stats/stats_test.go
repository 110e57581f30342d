package stats

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAccumulates(t *testing.T) {
	r := New()
	r.Record("echo", 10*time.Millisecond)
	r.Record("echo", 30*time.Millisecond)

	snap := r.Snapshot()
	require.Contains(t, snap, "echo")
	assert.Equal(t, MethodSnapshot{Req: 2, Time: 40, Avg: 20}, snap["echo"])
}

func TestSortedInvariant(t *testing.T) {
	r := New()
	names := []string{"m", "a", "z", "b", "a", "y", "m", "c"}
	rand.New(rand.NewSource(1)).Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	for _, n := range names {
		r.Record(n, time.Millisecond)
	}

	entries := r.Entries()
	assert.True(t, sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name }))
	assert.Len(t, entries, 6)
	for _, n := range names {
		_, ok := r.Lookup(n)
		assert.True(t, ok, "binary search must find %q", n)
	}
	_, ok := r.Lookup("missing")
	assert.False(t, ok)

	a, _ := r.Lookup("a")
	assert.Equal(t, uint64(2), a.Requests)
}

func TestConcurrentRecord(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Record(fmt.Sprintf("m%d", i%10), time.Millisecond)
			}
		}(g)
	}
	wg.Wait()

	for _, e := range r.Entries() {
		assert.Equal(t, uint64(80), e.Requests, e.Name)
		assert.Equal(t, uint64(80), e.TimeMs, e.Name)
	}
}

func TestMetricsMirror(t *testing.T) {
	r := New()
	r.Record("echo", 5*time.Millisecond)

	var buf bytes.Buffer
	r.Metrics().WritePrometheus(&buf)
	assert.True(t, strings.Contains(buf.String(), `rpc_requests_total{method="echo"} 1`), buf.String())
}
