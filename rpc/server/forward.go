package server

import (
	"github.com/ValentinKolb/placement/lib/raft/cluster"
	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/rpc/client"
	"github.com/ValentinKolb/placement/rpc/common"
	"github.com/VictoriaMetrics/metrics"
)

// leaderForwarder sends requests a follower can not serve to the current leader
type leaderForwarder struct {
	metadata *cluster.Metadata
	pool     *client.ClientPool
}

// toLeader forwards req to the leader unless the local node is the leader.
// The second return value is false if the caller has to serve req locally.
// Requests are forwarded at most once, a forwarded request reaching a follower fails with RetCNoLeader.
func (f *leaderForwarder) toLeader(service uint64, iface string, req *common.Message) (*common.Message, bool) {
	if f.metadata.IsLeader() {
		return nil, false
	}

	addr, ok := f.metadata.LeaderAddr()
	if !ok || req.Forwarded() {
		err := store.Errorf(store.RetCNoLeader, "%s.%s: node %d is not the leader and no leader is known",
			common.ServiceName(service), iface, f.metadata.Local().NodeID)
		return (&common.Message{MsgType: req.MsgType}).SetError(err), true
	}

	metrics.GetOrCreateCounter(`placement_rpc_forwarded_total{service="` + common.ServiceName(service) + `"}`).Inc()
	Logger.Debugf("forwarding %s.%s to leader %d at %s", common.ServiceName(service), iface, f.metadata.Leader(), addr)

	resp, err := f.pool.Call(service, iface, addr, req.MarkForwarded())
	if err != nil {
		return (&common.Message{MsgType: req.MsgType}).SetError(err), true
	}
	return resp, true
}
