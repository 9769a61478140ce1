package testing

import (
	"fmt"
	"github.com/ValentinKolb/placement/lib/db"
	"sync/atomic"
	"testing"
)

// RunEngineBenchmarks runs all benchmarks for an IEngine implementation
func RunEngineBenchmarks(b *testing.B, name string, factory EngineFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Set", func(b *testing.B) {
			benchmarkSet(b, factory(b))
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, factory(b))
		})

		b.Run("Batch", func(b *testing.B) {
			benchmarkBatch(b, factory(b))
		})

		b.Run("Scan", func(b *testing.B) {
			benchmarkScan(b, factory(b))
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

func benchmarkSet(b *testing.B, engine db.IEngine) {
	b.Cleanup(func() {
		engine.Close()
	})

	value := []byte("benchmark-value")
	var counter atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := fmt.Sprintf("/kv/%d", counter.Add(1))
			if err := engine.Set(db.PartitionCluster, key, value); err != nil {
				b.Error(err)
			}
		}
	})
}

func benchmarkGet(b *testing.B, engine db.IEngine) {
	b.Cleanup(func() {
		engine.Close()
	})

	const keys = 1000
	for i := 0; i < keys; i++ {
		_ = engine.Set(db.PartitionCluster, fmt.Sprintf("/kv/%d", i), []byte("value"))
	}

	var counter atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := fmt.Sprintf("/kv/%d", counter.Add(1)%keys)
			if _, _, err := engine.Get(db.PartitionCluster, key); err != nil {
				b.Error(err)
			}
		}
	})
}

// benchmarkBatch mimics a log append: ten entries plus a marker per batch
func benchmarkBatch(b *testing.B, engine db.IEngine) {
	b.Cleanup(func() {
		engine.Close()
	})

	payload := make([]byte, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		batch := engine.NewBatch()
		for j := 0; j < 10; j++ {
			batch.Set(db.PartitionRaft, fmt.Sprintf("/raft/entry/%d", i*10+j), payload)
		}
		batch.Set(db.PartitionRaft, "/raft/last_index", payload[:8])
		if err := batch.Commit(); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkScan(b *testing.B, engine db.IEngine) {
	b.Cleanup(func() {
		engine.Close()
	})

	for i := 0; i < 1000; i++ {
		_ = engine.Set(db.PartitionCluster, fmt.Sprintf("/clusters/node/bench/%d", i), []byte("node"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		count := 0
		if err := engine.Scan(db.PartitionCluster, "/clusters/node/bench/", func(string, []byte) bool {
			count++
			return true
		}); err != nil {
			b.Fatal(err)
		}
	}
}
