package raft

import (
	"context"
	"fmt"
	"sync"
)

// fakeNetwork wires a set of fakeTransports together in-process, with
// no HTTP and no bolt, so consensus_cluster_test.go can exercise
// several consensusCores deterministically (spec §8's scenarios).
type fakeNetwork struct {
	mu    sync.Mutex
	cores map[ServerAddress]*consensusCore

	// partitioned lists addresses that cannot currently reach each
	// other, keyed by "from|to" pairs, for injecting the partition
	// scenarios §8 describes.
	partitioned map[string]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		cores:       make(map[ServerAddress]*consensusCore),
		partitioned: make(map[string]bool),
	}
}

func (n *fakeNetwork) register(address ServerAddress, core *consensusCore) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cores[address] = core
}

func (n *fakeNetwork) unregister(address ServerAddress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cores, address)
}

func (n *fakeNetwork) partition(from, to ServerAddress, broken bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := string(from) + "|" + string(to)
	if broken {
		n.partitioned[key] = true
	} else {
		delete(n.partitioned, key)
	}
}

func (n *fakeNetwork) reachable(from, to ServerAddress) (*consensusCore, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.partitioned[string(from)+"|"+string(to)] {
		return nil, false
	}
	core, found := n.cores[to]
	return core, found
}

// fakeTransport dials fakeSessions, all sharing the network's view of
// who is currently reachable.
type fakeTransport struct {
	from    ServerAddress
	network *fakeNetwork
}

func newFakeTransport(from ServerAddress, network *fakeNetwork) *fakeTransport {
	return &fakeTransport{from: from, network: network}
}

func (t *fakeTransport) Dial(address ServerAddress) Session {
	return &fakeSession{from: t.from, to: address, network: t.network}
}

// fakeSession is a synchronous stand-in for the HTTP session: every
// call completes immediately (or fails if the network says the peer
// is unreachable), so there is no real in-flight request for
// Invalidate to cancel.
type fakeSession struct {
	from    ServerAddress
	to      ServerAddress
	network *fakeNetwork
}

func (s *fakeSession) RequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error) {
	core, ok := s.network.reachable(s.from, s.to)
	if !ok {
		return RequestVoteResponse{}, fmt.Errorf("unreachable: %s", s.to)
	}
	return core.HandleRequestVote(req), nil
}

func (s *fakeSession) AppendEntry(ctx context.Context, req AppendEntryRequest) (AppendEntryResponse, error) {
	core, ok := s.network.reachable(s.from, s.to)
	if !ok {
		return AppendEntryResponse{}, fmt.Errorf("unreachable: %s", s.to)
	}
	return core.HandleAppendEntry(req), nil
}

func (s *fakeSession) Invalidate() {}

func (s *fakeSession) Close() {}
