package raft

import (
	"context"
	"sync"
	"time"
)

// peerDriver is the per-server worker goroutine of spec §4.3: one
// instance per remote server, running for as long as that server is
// mentioned in any role of the configuration. It holds the consensus
// core's lock for everything except the RPC itself, which it performs
// as a suspension point, re-validating the core's state after
// reacquiring the lock (spec §5's monitor pattern).
type peerDriver struct {
	core    *consensusCore
	server  *ServerRecord
	session Session

	mu     sync.Mutex
	exited bool
	exitCh chan struct{}
}

func newPeerDriver(core *consensusCore, server *ServerRecord) *peerDriver {
	return &peerDriver{
		core:    core,
		server:  server,
		session: core.transport.Dial(server.Address),
		exitCh:  make(chan struct{}),
	}
}

// run is the goroutine body, launched via errgroup.Group.Go. It holds
// core.mu across every iteration except while an RPC is outstanding or
// while it waits for the next change or deadline.
func (d *peerDriver) run() error {
	core := d.core

	core.mu.Lock()
	defer core.mu.Unlock()

	for {
		if core.exiting || d.hasExited() {
			d.session.Close()
			return nil
		}

		switch core.state {
		case StateCandidate:
			if !d.server.RequestVoteDone && !core.now().Before(d.server.BackoffUntil) {
				d.sendRequestVoteLocked()
				continue
			}
		case StateLeader:
			if d.shouldSendAppendEntryLocked() {
				d.sendAppendEntryLocked()
				continue
			}
		}

		wait := d.nextWaitLocked()
		ch := core.changed.wait()
		core.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(wait):
		case <-d.exitCh:
		}
		core.mu.Lock()
	}
}

func (d *peerDriver) hasExited() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exited
}

// exit tears this driver down. Called by the Configuration's
// onServerRemoved hook while the core's lock is held, so it must not
// try to reacquire it.
func (d *peerDriver) exit() {
	d.mu.Lock()
	if !d.exited {
		d.exited = true
		close(d.exitCh)
	}
	d.mu.Unlock()
}

// invalidateSession cancels any RPC this driver has outstanding. Called
// by the consensus core (e.g. on stepDown) while holding its lock.
func (d *peerDriver) invalidateSession() {
	d.session.Invalidate()
}

// sendRequestVoteLocked sends one RequestVote RPC and feeds the result
// back through onRequestVoteResponseLocked. Must be called with the
// core's lock held; releases it for the RPC's duration.
func (d *peerDriver) sendRequestVoteLocked() {
	core := d.core
	lastLogId := core.log.LastId()

	req := RequestVoteRequest{
		Term:        core.currentTerm,
		CandidateId: core.localId,
		LastLogId:   lastLogId,
		LastLogTerm: core.log.Term(lastLogId),
	}
	requestTerm := core.currentTerm
	session := d.session

	core.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), core.tunables.FollowerTimeout)
	resp, err := session.RequestVote(ctx, req)
	cancel()
	core.mu.Lock()

	core.onRequestVoteResponseLocked(d.server, requestTerm, resp, err == nil)
}

// shouldSendAppendEntryLocked reports whether it is time to send this
// peer another AppendEntry. Nothing is sent while the peer is backing
// off from a recent failure; otherwise it is time if the peer is behind
// the log tail or its heartbeat is due.
func (d *peerDriver) shouldSendAppendEntryLocked() bool {
	now := d.core.now()
	if now.Before(d.server.BackoffUntil) {
		return false
	}
	if d.server.LastAgreeId < d.core.log.LastId() {
		return true
	}
	return !now.Before(d.server.NextHeartbeatTime)
}

// nextWaitLocked bounds how long to sleep before re-checking this
// peer's schedule.
func (d *peerDriver) nextWaitLocked() time.Duration {
	now := d.core.now()
	deadline := d.server.NextHeartbeatTime
	if d.server.BackoffUntil.After(deadline) {
		deadline = d.server.BackoffUntil
	}
	if !deadline.After(now) {
		return d.core.tunables.HeartbeatPeriod
	}
	return deadline.Sub(now)
}

// sendAppendEntryLocked sends one AppendEntry RPC, carrying whatever
// entries this peer is missing (bounded by SoftEntriesPerAppend), and
// feeds the result back through onAppendEntryResponseLocked.
func (d *peerDriver) sendAppendEntryLocked() {
	core := d.core
	server := d.server

	prevLogId := server.LastAgreeId
	prevLogTerm := core.log.Term(prevLogId)

	lastId := core.log.LastId()
	endId := lastId
	if max := prevLogId + EntryId(core.tunables.SoftEntriesPerAppend); endId > max {
		endId = max
	}

	var entries []Entry
	for id := prevLogId + 1; id <= endId; id++ {
		entry, err := core.log.Get(id)
		if err != nil {
			core.logger.Error("cannot read entry %d for peer %d: %v", id, server.Id, err)
			break
		}
		entries = append(entries, entry)
	}

	// Catch-up round tracking for the membership change protocol
	// (spec §4.4, step 2): a fresh round starts whenever the previous
	// one's goal has been reached.
	if server.ThisCatchUpIterationGoalId == 0 || server.LastAgreeId >= server.ThisCatchUpIterationGoalId {
		server.ThisCatchUpIterationStart = core.now()
		server.ThisCatchUpIterationGoalId = lastId
	}

	req := AppendEntryRequest{
		Term:           core.currentTerm,
		LeaderId:       core.localId,
		PrevLogId:      prevLogId,
		PrevLogTerm:    prevLogTerm,
		Entries:        entries,
		LeaderCommitId: core.committedId,
	}
	requestTerm := core.currentTerm
	session := d.session

	server.NextHeartbeatTime = core.now().Add(core.tunables.HeartbeatPeriod)

	core.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), core.tunables.FollowerTimeout)
	resp, err := session.AppendEntry(ctx, req)
	cancel()
	core.mu.Lock()

	core.onAppendEntryResponseLocked(server, requestTerm, req, resp, err == nil)
}
