package raft

import (
	"fmt"
	"testing"
	"time"
)

// testCluster wires a handful of consensusCores together over a
// fakeNetwork, with no HTTP and no disk, to exercise the scenarios of
// spec §8 deterministically (aside from election jitter, which uses
// each core's own seeded PRNG).
type testCluster struct {
	t       *testing.T
	network *fakeNetwork
	cores   map[ServerId]*consensusCore
}

func serverAddress(id ServerId) ServerAddress {
	return ServerAddress(fmt.Sprintf("server-%d", id))
}

func testTunables() Tunables {
	return Tunables{
		FollowerTimeout:      40 * time.Millisecond,
		HeartbeatPeriod:      5 * time.Millisecond,
		RPCFailureBackoff:    5 * time.Millisecond,
		SoftEntriesPerAppend: 64,
		MaxCatchUpRounds:     25,
	}
}

func newTestCluster(t *testing.T, ids ...ServerId) *testCluster {
	t.Helper()

	members := make([]ServerDescriptor, len(ids))
	for i, id := range ids {
		members[i] = ServerDescriptor{Id: id, Address: serverAddress(id)}
	}

	network := newFakeNetwork()
	c := &testCluster{t: t, network: network, cores: make(map[ServerId]*consensusCore)}

	for _, id := range ids {
		c.addServer(id, members)
	}

	t.Cleanup(func() {
		for _, core := range c.cores {
			core.Stop()
		}
	})

	return c
}

func (c *testCluster) addServer(id ServerId, bootstrapMembers []ServerDescriptor) *consensusCore {
	address := serverAddress(id)

	log := newMemLog()
	if len(bootstrapMembers) > 0 {
		descriptor := ConfigDescriptor{NewServers: bootstrapMembers}
		if _, err := log.Append(Entry{Type: EntryConfiguration, Configuration: &descriptor}); err != nil {
			c.t.Fatalf("cannot bootstrap server %d: %v", id, err)
		}
	}

	transport := newFakeTransport(address, c.network)
	core := NewConsensusCore(id, address, log, transport, NopLogger{}, testTunables())

	c.network.register(address, core)
	c.cores[id] = core

	if err := core.Start(); err != nil {
		c.t.Fatalf("cannot start server %d: %v", id, err)
	}

	return core
}

func (c *testCluster) kill(id ServerId) {
	c.network.unregister(serverAddress(id))
	c.cores[id].Stop()
}

func (c *testCluster) partition(a, b ServerId, broken bool) {
	c.network.partition(serverAddress(a), serverAddress(b), broken)
	c.network.partition(serverAddress(b), serverAddress(a), broken)
}

func (c *testCluster) state(id ServerId) (ServerState, Term, EntryId) {
	core := c.cores[id]
	core.mu.Lock()
	defer core.mu.Unlock()
	return core.state, core.currentTerm, core.committedId
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func (c *testCluster) waitForLeader(ids []ServerId, timeout time.Duration) ServerId {
	var leader ServerId
	waitFor(c.t, timeout, func() bool {
		for _, id := range ids {
			state, _, _ := c.state(id)
			if state == StateLeader {
				leader = id
				return true
			}
		}
		return false
	})
	return leader
}

func TestClusterElectsASingleLeader(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	leader := c.waitForLeader([]ServerId{1, 2, 3}, time.Second)
	if leader == 0 {
		t.Fatal("no leader elected")
	}

	leaderCount := 0
	var term Term
	for _, id := range []ServerId{1, 2, 3} {
		state, t2, _ := c.state(id)
		if state == StateLeader {
			leaderCount++
			term = t2
		}
	}
	if leaderCount != 1 {
		t.Fatalf("expected exactly one leader, found %d", leaderCount)
	}
	if term == 0 {
		t.Fatal("leader term should be non-zero")
	}
}

func TestClusterBasicCommit(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	leaderId := c.waitForLeader([]ServerId{1, 2, 3}, time.Second)
	if leaderId == 0 {
		t.Fatal("no leader elected")
	}
	leader := c.cores[leaderId]

	result, id := leader.Replicate([]byte("A"))
	if result != ResultSuccess {
		t.Fatalf("Replicate(A) = %v, want success", result)
	}

	waitFor(t, time.Second, func() bool {
		for _, other := range c.cores {
			if other == leader {
				continue
			}
			other.mu.Lock()
			committed := other.committedId
			other.mu.Unlock()
			if committed < id {
				return false
			}
		}
		return true
	})

	for followerId, other := range c.cores {
		if other == leader {
			continue
		}
		entry, err := other.log.Get(id)
		if err != nil {
			t.Fatalf("server %d: cannot read entry %d: %v", followerId, id, err)
		}
		if string(entry.Data) != "A" {
			t.Fatalf("server %d: entry %d payload = %q, want %q", followerId, id, entry.Data, "A")
		}
	}
}

func TestClusterLeaderFailurePreservesCommittedEntries(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	leaderId := c.waitForLeader([]ServerId{1, 2, 3}, time.Second)
	leader := c.cores[leaderId]

	result, firstId := leader.Replicate([]byte("A"))
	if result != ResultSuccess {
		t.Fatalf("Replicate(A) = %v", result)
	}

	var followers []ServerId
	for id := range c.cores {
		if id != leaderId {
			followers = append(followers, id)
		}
	}

	c.kill(leaderId)

	newLeaderId := c.waitForLeader(followers, time.Second)
	if newLeaderId == 0 {
		t.Fatal("no new leader elected after original leader failed")
	}
	newLeader := c.cores[newLeaderId]

	entry, err := newLeader.log.Get(firstId)
	if err != nil {
		t.Fatalf("new leader lost committed entry %d: %v", firstId, err)
	}
	if string(entry.Data) != "A" {
		t.Fatalf("new leader entry %d payload = %q, want %q", firstId, entry.Data, "A")
	}
}

func TestClusterAtMostOneLeaderPerTerm(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3, 4, 5)

	c.waitForLeader([]ServerId{1, 2, 3, 4, 5}, time.Second)

	// Sample leadership repeatedly; across every sample at most one
	// server may claim to be leader for any given term.
	for i := 0; i < 50; i++ {
		leadersByTerm := make(map[Term]ServerId)
		for id := range c.cores {
			state, term, _ := c.state(id)
			if state != StateLeader {
				continue
			}
			if other, found := leadersByTerm[term]; found && other != id {
				t.Fatalf("term %d has two leaders: %d and %d", term, other, id)
			}
			leadersByTerm[term] = id
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestClusterJointConsensusAddsServers(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	leaderId := c.waitForLeader([]ServerId{1, 2, 3}, time.Second)
	leader := c.cores[leaderId]

	result, oldConfigId, _ := leader.GetConfiguration()
	if result != ResultSuccess {
		t.Fatalf("GetConfiguration = %v, want success", result)
	}

	newServer4 := ServerId(4)
	newServer5 := ServerId(5)
	c.addServer(newServer4, nil)
	c.addServer(newServer5, nil)

	newMembers := []ServerDescriptor{
		{Id: 3, Address: serverAddress(3)},
		{Id: newServer4, Address: serverAddress(newServer4)},
		{Id: newServer5, Address: serverAddress(newServer5)},
	}

	changeResult := leader.SetConfiguration(oldConfigId, newMembers)
	if changeResult != ResultSuccess {
		t.Fatalf("SetConfiguration = %v, want success", changeResult)
	}

	// Once the new stable configuration commits, the old leader steps
	// down if that configuration excludes it, so ask every server and
	// keep the answer of whichever one is leading by then.
	var servers []ServerDescriptor
	waitFor(t, 2*time.Second, func() bool {
		for _, core := range c.cores {
			result, _, servers = core.GetConfiguration()
			if result == ResultSuccess && len(servers) == len(newMembers) {
				return true
			}
		}
		return false
	})

	if result != ResultSuccess {
		t.Fatalf("GetConfiguration after change = %v", result)
	}
	if len(servers) != len(newMembers) {
		t.Fatalf("configuration has %d servers, want %d", len(servers), len(newMembers))
	}
}

func TestClusterLeaderStepsDownWithoutQuorum(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	leaderId := c.waitForLeader([]ServerId{1, 2, 3}, time.Second)

	var others []ServerId
	for id := range c.cores {
		if id != leaderId {
			others = append(others, id)
		}
	}
	for _, id := range others {
		c.partition(leaderId, id, true)
	}

	stepsDown := waitFor(t, time.Second, func() bool {
		state, _, _ := c.state(leaderId)
		return state != StateLeader
	})
	if !stepsDown {
		t.Fatalf("leader %d did not step down after losing its quorum", leaderId)
	}
}
