package lstore

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/placement/lib/db"
	"github.com/ValentinKolb/placement/lib/db/engines/pebble"
	"github.com/ValentinKolb/placement/lib/store"
)

func newEngine(t *testing.T) db.IEngine {
	engine, err := pebble.NewInMemoryPebbleDB()
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestStorageDataWrap(t *testing.T) {
	w := StorageDataWrap{Data: []byte("payload"), CreateTime: 1700000000}
	got, err := DecodeStorageDataWrap(w.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(got.Data, w.Data) || got.CreateTime != w.CreateTime {
		t.Errorf("got %+v, want %+v", got, w)
	}

	if _, err := DecodeStorageDataWrap([]byte{1, 2, 3}); err == nil {
		t.Errorf("expected error for truncated envelope")
	}

	empty, err := DecodeStorageDataWrap(StorageDataWrap{CreateTime: 1}.Encode())
	if err != nil || len(empty.Data) != 0 {
		t.Errorf("expected empty payload, got %v (err=%v)", empty.Data, err)
	}
}

func TestLocalStore(t *testing.T) {
	engine := newEngine(t)
	s := NewLocalStore(engine)

	t.Run("SetIsUpsert", func(t *testing.T) {
		if err := s.Set("a", []byte("1")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := s.Set("a", []byte("2")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		value, ok, err := s.Get("a")
		if err != nil || !ok || string(value) != "2" {
			t.Errorf("Get(a) = %s, %t, %v; want 2", value, ok, err)
		}
	})

	t.Run("GetIsIdempotent", func(t *testing.T) {
		v1, ok1, err1 := s.Get("a")
		v2, ok2, err2 := s.Get("a")
		if !bytes.Equal(v1, v2) || ok1 != ok2 || err1 != err2 {
			t.Errorf("repeated Get differs: (%s,%t,%v) vs (%s,%t,%v)", v1, ok1, err1, v2, ok2, err2)
		}
	})

	t.Run("ValuesAreWrapped", func(t *testing.T) {
		raw, ok, _ := engine.Get(db.PartitionCluster, store.KeyKV("a"))
		if !ok {
			t.Fatalf("expected raw key to exist")
		}
		wrap, err := DecodeStorageDataWrap(raw)
		if err != nil || string(wrap.Data) != "2" || wrap.CreateTime == 0 {
			t.Errorf("unexpected envelope %+v (err=%v)", wrap, err)
		}
	})

	t.Run("DeleteAndExists", func(t *testing.T) {
		ok, err := s.Exists("a")
		if err != nil || !ok {
			t.Fatalf("Exists(a) = %t, %v", ok, err)
		}
		if err := s.Delete("a"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		ok, _ = s.Exists("a")
		if ok {
			t.Errorf("expected key to be gone")
		}
		if err := s.Delete("a"); err != nil {
			t.Errorf("deleting a missing key failed: %v", err)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		if err := s.Set("", []byte("x")); !store.IsCode(err, store.RetCValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
		if _, _, err := s.Get(""); !store.IsCode(err, store.RetCValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("CorruptValue", func(t *testing.T) {
		_ = engine.Set(db.PartitionCluster, store.KeyKV("bad"), []byte{1})
		if _, _, err := s.Get("bad"); !store.IsCode(err, store.RetCDecode) {
			t.Errorf("expected decode error, got %v", err)
		}
	})

	t.Run("DBInfo", func(t *testing.T) {
		info, err := s.GetDBInfo()
		if err != nil || info.DbType != db.ImplPebble {
			t.Errorf("unexpected info %+v (err=%v)", info, err)
		}
	})
}

func TestNodeStorage(t *testing.T) {
	engine := newEngine(t)
	nodes := NewNodeStorage(engine)

	for i := uint64(1); i <= 3; i++ {
		err := nodes.Save(BrokerNode{
			ClusterName:   "mq",
			ClusterType:   "broker",
			NodeID:        i,
			NodeIP:        "10.0.0.1",
			NodeInnerAddr: fmt.Sprintf("10.0.0.1:%d", 9000+i),
		})
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	_ = nodes.Save(BrokerNode{ClusterName: "other", ClusterType: "broker", NodeID: 7})

	tests := []struct {
		cluster string
		want    int
	}{
		{cluster: "mq", want: 3},
		{cluster: "other", want: 1},
		{cluster: "", want: 4},
		{cluster: "missing", want: 0},
	}
	for _, tt := range tests {
		t.Run("List_"+tt.cluster, func(t *testing.T) {
			list, err := nodes.List(tt.cluster)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != tt.want {
				t.Errorf("List(%q) returned %d nodes, want %d", tt.cluster, len(list), tt.want)
			}
		})
	}

	node, ok, err := nodes.Get("mq", 2)
	if err != nil || !ok || node.NodeInnerAddr != "10.0.0.1:9002" || node.CreateTime == 0 {
		t.Errorf("Get returned %+v, %t, %v", node, ok, err)
	}

	if ok, _ := engine.Has(db.PartitionCluster, store.KeyCluster("broker", "mq")); !ok {
		t.Errorf("expected cluster record to be created")
	}

	if err := nodes.Delete("mq", 2); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := nodes.Get("mq", 2); ok {
		t.Errorf("expected node to be deleted")
	}

	if err := nodes.Save(BrokerNode{NodeID: 1}); !store.IsCode(err, store.RetCValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestNodeStorageKeyLayout(t *testing.T) {
	engine := newEngine(t)
	nodes := NewNodeStorage(engine)

	// a cluster of type "node" must not show up as a node record
	if err := nodes.Save(BrokerNode{ClusterName: "c1", ClusterType: "node", NodeID: 7, NodeIP: "10.0.0.7"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	list, err := nodes.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].NodeID != 7 {
		t.Errorf("List returned %+v, want only node 7", list)
	}

	invalid := []BrokerNode{
		{ClusterName: "a/b", ClusterType: "broker", NodeID: 1},
		{ClusterName: "a", ClusterType: "broker/x", NodeID: 1},
		{ClusterName: "a", ClusterType: "", NodeID: 1},
	}
	for _, n := range invalid {
		if err := nodes.Save(n); !store.IsCode(err, store.RetCValidation) {
			t.Errorf("Save(%+v) = %v, want validation error", n, err)
		}
	}
	if list, _ := nodes.List("a"); len(list) != 0 {
		t.Errorf("List(a) returned %+v", list)
	}
	if err := nodes.Delete("a/b", 1); !store.IsCode(err, store.RetCValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestWritesUseGivenCreateTime(t *testing.T) {
	e1, e2 := newEngine(t), newEngine(t)

	// two replicas applying the same command at different times store the same bytes
	for _, e := range []db.IEngine{e1, e2} {
		if err := NewLocalStore(e).SetAt("a", []byte("1"), 1700000000); err != nil {
			t.Fatalf("SetAt failed: %v", err)
		}
		if err := NewNodeStorage(e).Save(BrokerNode{ClusterName: "mq", ClusterType: "broker", NodeID: 1, CreateTime: 1700000001}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		time.Sleep(1100 * time.Millisecond)
	}

	for _, key := range []string{store.KeyKV("a"), store.KeyNode("mq", 1), store.KeyCluster("broker", "mq")} {
		v1, _, _ := e1.Get(db.PartitionCluster, key)
		v2, _, _ := e2.Get(db.PartitionCluster, key)
		if !bytes.Equal(v1, v2) {
			t.Errorf("replicas differ for %s", key)
		}
	}

	raw, _, _ := e1.Get(db.PartitionCluster, store.KeyKV("a"))
	if wrap, err := DecodeStorageDataWrap(raw); err != nil || wrap.CreateTime != 1700000000 {
		t.Errorf("got %+v, %v", wrap, err)
	}
}

func TestMemberStorage(t *testing.T) {
	engine := newEngine(t)
	members := NewMemberStorage(engine)

	_ = members.SaveMember(1, "localhost:8081")
	_ = members.SaveMember(2, "localhost:8082")
	_ = members.SaveMember(2, "localhost:9092")
	_ = engine.Set(db.PartitionCluster, store.KeyMemberPrefix()+"not-a-number", []byte("x"))

	got, err := members.ListMembers()
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if len(got) != 2 || got[1] != "localhost:8081" || got[2] != "localhost:9092" {
		t.Errorf("ListMembers = %v", got)
	}

	_ = members.DeleteMember(1)
	got, _ = members.ListMembers()
	if _, ok := got[1]; ok || len(got) != 1 {
		t.Errorf("expected member 1 to be deleted, got %v", got)
	}
}
