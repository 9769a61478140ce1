package cluster

import (
	"fmt"
	"sync"
	"testing"
)

func newTestMetadata() *Metadata {
	return NewMetadata(PeerNode{NodeID: 1, Addr: "localhost:8081"}, map[uint64]string{
		1: "localhost:8081",
		2: "localhost:8082",
		3: "localhost:8083",
	})
}

func TestMetadataLeader(t *testing.T) {
	m := newTestMetadata()

	if _, ok := m.LeaderAddr(); ok {
		t.Errorf("expected no leader initially")
	}
	if m.IsLeader() || m.LeaderAlive() {
		t.Errorf("unexpected leader state on a fresh cache")
	}

	m.SetLeader(2)
	addr, ok := m.LeaderAddr()
	if !ok || addr != "localhost:8082" {
		t.Errorf("LeaderAddr = %s, %t", addr, ok)
	}
	if p, _ := m.GetNode(2); p.Role != RoleLeader {
		t.Errorf("expected peer 2 to be marked leader, got %s", p.Role)
	}
	if m.LeaderAlive() {
		t.Errorf("leader alive while node is still starting")
	}
	m.SetState(NodeStateRunning)
	if !m.LeaderAlive() {
		t.Errorf("expected leader alive")
	}

	// local node becomes leader
	m.SetLeader(1)
	m.SetRole(RoleLeader)
	if !m.IsLeader() || m.Role() != RoleLeader {
		t.Errorf("expected local node to be leader")
	}
	if p, _ := m.GetNode(2); p.Role != RoleFollower {
		t.Errorf("expected old leader to be follower, got %s", p.Role)
	}
	if p, _ := m.GetNode(1); p.Role != RoleLeader {
		t.Errorf("expected local peer entry to carry the role, got %s", p.Role)
	}

	// removing the leader forgets it
	m.SetRole(RoleFollower)
	m.SetLeader(3)
	m.RemovePeer(3)
	if m.Leader() != 0 {
		t.Errorf("expected unknown leader after removal, got %d", m.Leader())
	}
}

func TestMetadataMembership(t *testing.T) {
	m := newTestMetadata()

	m.AddPeer(4, "localhost:8084")
	m.AddPeer(2, "localhost:9092")
	m.RemovePeer(3)
	m.RemovePeer(42)

	if got := fmt.Sprint(m.NodeIDs()); got != "[1 2 4]" {
		t.Errorf("NodeIDs = %s, want [1 2 4]", got)
	}
	peers := m.Peers()
	if len(peers) != 3 || peers[1].Addr != "localhost:9092" {
		t.Errorf("unexpected peers %+v", peers)
	}
	if m.Local().NodeID != 1 {
		t.Errorf("unexpected local node %+v", m.Local())
	}
}

func TestMetadataStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{RoleLeader.String(), "Leader"},
		{RolePreCandidate.String(), "PreCandidate"},
		{Role(42).String(), "Unknown"},
		{NodeStateStopping.String(), "Stopping"},
		{NodeState(42).String(), "Unknown"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %s, want %s", tt.got, tt.want)
		}
	}
}

func TestMetadataConcurrent(t *testing.T) {
	m := newTestMetadata()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.SetLeader(uint64(j%3 + 1))
				m.AddPeer(uint64(10+i), "addr")
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = m.LeaderAddr()
				_ = m.IsLeader()
				_ = m.Peers()
			}
		}()
	}
	wg.Wait()
}
