//go:build benchmark

package cache

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/yamlforge/perfcore/pkg/utils"
)

func newBenchCache(b *testing.B, maxEntries int) *AdaptiveCache[[]byte] {
	b.Helper()
	c, err := New[[]byte](&Config{MaxEntries: maxEntries, MaxMemory: 1 << 30}, Deps[[]byte]{
		Logger: utils.NewNopLogger(),
	})
	if err != nil {
		b.Fatal(err)
	}
	return c
}

func populate(c *AdaptiveCache[[]byte], n int) {
	for i := 0; i < n; i++ {
		data := make([]byte, 1024)
		rand.Read(data)
		c.SetDefault(fmt.Sprintf("document:%d", i), data)
	}
}

// BenchmarkGet measures parallel hits on a warm cache
func BenchmarkGet(b *testing.B) {
	c := newBenchCache(b, 1000)
	populate(c, 1000)

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = c.Get(fmt.Sprintf("document:%d", i%1000))
			i++
		}
	})
}

// BenchmarkSetWithEviction measures Set on a full cache, where every write
// evicts one entry. ns/op stays flat across sizes because each eviction
// scores a fixed sample.
func BenchmarkSetWithEviction(b *testing.B) {
	for _, size := range []int{1000, 20000, 200000} {
		b.Run(fmt.Sprintf("entries=%d", size), func(b *testing.B) {
			c := newBenchCache(b, size)
			populate(c, size)
			value := make([]byte, 1024)

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				c.SetDefault(fmt.Sprintf("new:%d", i), value)
			}
		})
	}
}

// BenchmarkTrim measures shrinking a full cache to 70%
func BenchmarkTrim(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		c := newBenchCache(b, 10000)
		populate(c, 10000)
		b.StartTimer()

		c.Trim(context.Background(), 0.7)
	}
}
