package testing

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/placement/lib/db"
)

// EngineFactory is a function that creates a new instance of an IEngine implementation
type EngineFactory func(t testing.TB) db.IEngine

// RunEngineTests runs a comprehensive test suite for an IEngine implementation.
func RunEngineTests(t *testing.T, name string, factory EngineFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory(t))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory(t))
		})

		t.Run("Has", func(t *testing.T) {
			testHas(t, factory(t))
		})

		t.Run("PartitionIsolation", func(t *testing.T) {
			testPartitionIsolation(t, factory(t))
		})

		t.Run("Scan", func(t *testing.T) {
			testScan(t, factory(t))
		})

		t.Run("Batch", func(t *testing.T) {
			testBatch(t, factory(t))
		})

		t.Run("BatchDeletePrefix", func(t *testing.T) {
			testBatchDeletePrefix(t, factory(t))
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, factory(t))
		})

		t.Run("Concurrent", func(t *testing.T) {
			testConcurrent(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, engine db.IEngine) {
	defer engine.Close()

	testKey := "/kv/test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	if err := engine.Set(db.PartitionCluster, testKey, testValue1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	result, exists, err := engine.Get(db.PartitionCluster, testKey)
	if err != nil || !exists {
		t.Fatalf("Expected key %s to exist after Set (err=%v)", testKey, err)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	// overwrite
	if err := engine.Set(db.PartitionCluster, testKey, testValue2); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	result, _, _ = engine.Get(db.PartitionCluster, testKey)
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	_, exists, err = engine.Get(db.PartitionCluster, "nonexistent-key")
	if err != nil || exists {
		t.Errorf("Expected nonexistent key to return exists=false (err=%v)", err)
	}

	// the returned slice must be a copy
	retrievedValue, _, _ := engine.Get(db.PartitionCluster, testKey)
	retrievedValue[0] = 'X'
	originalValue, _, _ := engine.Get(db.PartitionCluster, testKey)
	if bytes.Equal(retrievedValue, originalValue) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	// empty values are valid values
	if err := engine.Set(db.PartitionCluster, "empty", []byte{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	result, exists, _ = engine.Get(db.PartitionCluster, "empty")
	if !exists || len(result) != 0 {
		t.Errorf("Expected empty value to exist, got exists=%t len=%d", exists, len(result))
	}
}

func testDelete(t *testing.T, engine db.IEngine) {
	defer engine.Close()

	_ = engine.Set(db.PartitionCluster, "key", []byte("value"))

	if err := engine.Delete(db.PartitionCluster, "key"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, exists, _ := engine.Get(db.PartitionCluster, "key"); exists {
		t.Errorf("Expected key to be deleted")
	}

	// deleting a missing key is fine
	if err := engine.Delete(db.PartitionCluster, "missing"); err != nil {
		t.Errorf("Deleting a missing key should not fail: %v", err)
	}
}

func testHas(t *testing.T, engine db.IEngine) {
	defer engine.Close()

	_ = engine.Set(db.PartitionRaft, "/raft/hard_state", []byte{1})

	ok, err := engine.Has(db.PartitionRaft, "/raft/hard_state")
	if err != nil || !ok {
		t.Errorf("Expected Has to return true (err=%v)", err)
	}

	ok, err = engine.Has(db.PartitionRaft, "/raft/conf_state")
	if err != nil || ok {
		t.Errorf("Expected Has to return false (err=%v)", err)
	}
}

func testPartitionIsolation(t *testing.T, engine db.IEngine) {
	defer engine.Close()

	_ = engine.Set(db.PartitionRaft, "shared", []byte("raft"))
	_ = engine.Set(db.PartitionCluster, "shared", []byte("cluster"))

	raftVal, _, _ := engine.Get(db.PartitionRaft, "shared")
	clusterVal, _, _ := engine.Get(db.PartitionCluster, "shared")
	if string(raftVal) != "raft" || string(clusterVal) != "cluster" {
		t.Errorf("partitions are not isolated: raft=%s cluster=%s", raftVal, clusterVal)
	}

	_ = engine.Delete(db.PartitionRaft, "shared")
	if _, ok, _ := engine.Get(db.PartitionCluster, "shared"); !ok {
		t.Errorf("delete in one partition removed the key of another")
	}

	// a scan over the whole partition must not see the other partition
	count := 0
	_ = engine.Scan(db.PartitionCluster, "", func(key string, value []byte) bool {
		count++
		return true
	})
	if count != 1 {
		t.Errorf("expected 1 key in the cluster partition, got %d", count)
	}
}

func testScan(t *testing.T, engine db.IEngine) {
	defer engine.Close()

	keys := []string{"/clusters/node/a/1", "/clusters/node/a/2", "/clusters/node/b/1", "/config/a/x", "/kv/z"}
	for _, k := range keys {
		_ = engine.Set(db.PartitionCluster, k, []byte(k))
	}

	tests := []struct {
		prefix string
		want   []string
	}{
		{prefix: "/clusters/node/a/", want: []string{"/clusters/node/a/1", "/clusters/node/a/2"}},
		{prefix: "/clusters/", want: []string{"/clusters/node/a/1", "/clusters/node/a/2", "/clusters/node/b/1"}},
		{prefix: "", want: keys},
		{prefix: "/missing/", want: nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("prefix=%q", tt.prefix), func(t *testing.T) {
			var got []string
			err := engine.Scan(db.PartitionCluster, tt.prefix, func(key string, value []byte) bool {
				if key != string(value) {
					t.Errorf("value mismatch for %s: %s", key, value)
				}
				got = append(got, key)
				return true
			})
			if err != nil {
				t.Fatalf("Scan failed: %v", err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Scan(%q) = %v, want %v", tt.prefix, got, tt.want)
			}
		})
	}

	// early stop
	count := 0
	_ = engine.Scan(db.PartitionCluster, "", func(key string, value []byte) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("expected scan to stop after 2 keys, got %d", count)
	}
}

func testBatch(t *testing.T, engine db.IEngine) {
	defer engine.Close()

	_ = engine.Set(db.PartitionRaft, "old", []byte("x"))

	batch := engine.NewBatch()
	batch.Set(db.PartitionRaft, "a", []byte("1"))
	batch.Set(db.PartitionCluster, "b", []byte("2"))
	batch.Delete(db.PartitionRaft, "old")

	// nothing is visible before commit
	if _, ok, _ := engine.Get(db.PartitionRaft, "a"); ok {
		t.Errorf("batch write visible before commit")
	}

	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if v, _, _ := engine.Get(db.PartitionRaft, "a"); string(v) != "1" {
		t.Errorf("expected a=1, got %s", v)
	}
	if v, _, _ := engine.Get(db.PartitionCluster, "b"); string(v) != "2" {
		t.Errorf("expected b=2, got %s", v)
	}
	if _, ok, _ := engine.Get(db.PartitionRaft, "old"); ok {
		t.Errorf("expected old to be deleted")
	}

	// a batch can only be committed once
	if err := batch.Commit(); err == nil {
		t.Errorf("expected second commit to fail")
	}

	// a closed batch is discarded
	discarded := engine.NewBatch()
	discarded.Set(db.PartitionRaft, "discarded", []byte("1"))
	discarded.Close()
	if _, ok, _ := engine.Get(db.PartitionRaft, "discarded"); ok {
		t.Errorf("closed batch must not be applied")
	}
}

func testBatchDeletePrefix(t *testing.T, engine db.IEngine) {
	defer engine.Close()

	for i := 0; i < 10; i++ {
		_ = engine.Set(db.PartitionRaft, fmt.Sprintf("/raft/entry/%d", i), []byte{byte(i)})
	}
	_ = engine.Set(db.PartitionRaft, "/raft/last_index", []byte{9})
	_ = engine.Set(db.PartitionCluster, "/raft/entry/1", []byte{1})

	batch := engine.NewBatch()
	batch.DeletePrefix(db.PartitionRaft, "/raft/entry/")
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	count := 0
	_ = engine.Scan(db.PartitionRaft, "/raft/entry/", func(string, []byte) bool {
		count++
		return true
	})
	if count != 0 {
		t.Errorf("expected all entries to be deleted, %d left", count)
	}
	if ok, _ := engine.Has(db.PartitionRaft, "/raft/last_index"); !ok {
		t.Errorf("prefix deletion removed a key outside the prefix")
	}
	if ok, _ := engine.Has(db.PartitionCluster, "/raft/entry/1"); !ok {
		t.Errorf("prefix deletion crossed partitions")
	}
}

func testClosed(t *testing.T, engine db.IEngine) {
	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := engine.Set(db.PartitionCluster, "k", []byte("v")); err == nil {
		t.Errorf("expected Set on closed engine to fail")
	}
	if _, _, err := engine.Get(db.PartitionCluster, "k"); err == nil {
		t.Errorf("expected Get on closed engine to fail")
	}
}

func testConcurrent(t *testing.T, engine db.IEngine) {
	defer engine.Close()

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("/kv/%d/%d", w, i)
				if err := engine.Set(db.PartitionCluster, key, []byte(key)); err != nil {
					t.Errorf("Set failed: %v", err)
					return
				}
				if v, ok, err := engine.Get(db.PartitionCluster, key); err != nil || !ok || string(v) != key {
					t.Errorf("Get(%s) = %s, %t, %v", key, v, ok, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	count := 0
	_ = engine.Scan(db.PartitionCluster, "/kv/", func(string, []byte) bool {
		count++
		return true
	})
	if count != workers*perWorker {
		t.Errorf("expected %d keys, got %d", workers*perWorker, count)
	}
}
