package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Tunables, named after LogCabin's RaftConsensus statics
// (FOLLOWER_TIMEOUT_MS, HEARTBEAT_PERIOD_MS, ...), which spec §4.4
// and §9 describe by the same names.
type Tunables struct {
	// FollowerTimeout is how long a follower waits for activity from
	// a leader or candidate before starting an election. Must be
	// comfortably larger than HeartbeatPeriod (spec recommends 10x).
	FollowerTimeout time.Duration

	// HeartbeatPeriod is how often a leader sends an RPC to each
	// peer even when there is nothing new to replicate.
	HeartbeatPeriod time.Duration

	// RPCFailureBackoff is how long to wait after a failed RPC
	// before retrying it.
	RPCFailureBackoff time.Duration

	// SoftEntriesPerAppend caps how many entries a single
	// AppendEntry RPC carries.
	SoftEntriesPerAppend int

	// MaxCatchUpRounds bounds how long the leader waits for staging
	// servers to catch up before giving up on a configuration change:
	// MaxCatchUpRounds times FollowerTimeout (spec §9's "open
	// question": this parameterizes what LogCabin's description
	// leaves as a single-iteration heuristic).
	MaxCatchUpRounds int
}

func (t *Tunables) setDefaults() {
	if t.FollowerTimeout <= 0 {
		t.FollowerTimeout = 300 * time.Millisecond
	}
	if t.HeartbeatPeriod <= 0 {
		t.HeartbeatPeriod = 25 * time.Millisecond
	}
	if t.RPCFailureBackoff <= 0 {
		t.RPCFailureBackoff = 50 * time.Millisecond
	}
	if t.SoftEntriesPerAppend <= 0 {
		t.SoftEntriesPerAppend = 64
	}
	if t.MaxCatchUpRounds <= 0 {
		t.MaxCatchUpRounds = 10
	}
}

// clockFunc abstracts time.Now so tests can run with a fake clock if
// needed; production code always uses realClock.
type clockFunc func() time.Time

func realClock() time.Time { return time.Now() }

// consensusCore is the monitor of spec §4.4 and §5: it owns the log,
// the configuration, the current role, term, commit index, and the
// timers, all protected by a single mutex, with one broadcaster
// playing the role of the monitor's condition variable.
type consensusCore struct {
	mu      sync.Mutex
	changed *broadcaster

	localId ServerId
	log     Log
	config  *Configuration
	transport Transport
	logger  Logger
	clock   clockFunc
	rand    *rand.Rand

	tunables Tunables

	state           ServerState
	currentTerm     Term
	votedFor        ServerId
	committedId     EntryId
	leaderId        ServerId
	currentEpoch    uint64
	startElectionAt time.Time
	electionAttempt uint64
	exiting         bool

	// committedStableConfigId/committedStableConfig cache the most
	// recently committed STABLE configuration, which is all
	// get_configuration ever returns (spec §4.4): a transitional
	// configuration is installed on append but never reported until
	// the stable configuration that follows it commits.
	committedStableConfigId EntryId
	committedStableConfig   []ServerDescriptor

	// Leader-lease bookkeeping for the step-down thread: leaseEpoch is
	// the epoch target set at the start of the current FollowerTimeout
	// window; at the start of the next window, auditLeaderLeaseLocked
	// checks whether a quorum acknowledged it before bumping to a new
	// target.
	leaseEpoch      uint64
	leaseEpochSetAt time.Time

	group  *errgroup.Group
	stopCh chan struct{}
}

// NewConsensusCore creates a core for localId, initializing state from
// log's persisted metadata. Call Start to begin serving.
func NewConsensusCore(localId ServerId, localAddress ServerAddress, log Log, transport Transport, logger Logger, tunables Tunables) *consensusCore {
	if logger == nil {
		logger = NopLogger{}
	}
	tunables.setDefaults()

	meta := log.Metadata()

	c := &consensusCore{
		changed:     newBroadcaster(),
		localId:     localId,
		log:         log,
		transport:   transport,
		logger:      logger,
		clock:       realClock,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		tunables:    tunables,
		state:       StateFollower,
		currentTerm: meta.CurrentTerm,
		votedFor:    meta.VotedFor,
		committedId: 0,
		stopCh:      make(chan struct{}),
	}

	c.config = NewConfiguration(localId, localAddress, logger)
	c.config.onServerCreated = c.onServerCreated
	c.config.onServerRemoved = c.onServerRemoved

	c.reloadConfiguration()
	c.setFollowerTimer()

	return c
}

// Start launches the election timer, step-down timer, and one peer
// driver per already-known remote server.
func (c *consensusCore) Start() error {
	c.mu.Lock()
	group := new(errgroup.Group)
	c.group = group

	group.Go(c.electionTimerMain)
	group.Go(c.stepDownTimerMain)

	c.config.ForEach(func(s *ServerRecord) {
		if !s.IsLocal && s.driver == nil {
			c.startPeerDriver(s)
		}
	})
	c.mu.Unlock()

	return nil
}

// Stop signals every thread to exit and waits for them.
func (c *consensusCore) Stop() error {
	c.mu.Lock()
	if c.exiting {
		c.mu.Unlock()
		return nil
	}
	c.exiting = true
	close(c.stopCh)
	c.interruptAllLocked()
	group := c.group
	c.mu.Unlock()

	if group != nil {
		return group.Wait()
	}
	return nil
}

// onServerCreated is Configuration's hook for starting a peer driver
// the first time a remote server is mentioned in any role.
func (c *consensusCore) onServerCreated(s *ServerRecord) {
	if s.IsLocal || c.group == nil {
		return
	}
	c.startPeerDriver(s)
}

// onServerRemoved is Configuration's hook for tearing down a peer
// driver once its server has left every role (spec §3: "A Peer Driver
// ... is torn down when the server has been absent from the
// configuration for one full sweep").
func (c *consensusCore) onServerRemoved(s *ServerRecord) {
	if s.driver != nil {
		s.driver.exit()
		s.driver = nil
	}
}

func (c *consensusCore) startPeerDriver(s *ServerRecord) {
	d := newPeerDriver(c, s)
	s.driver = d
	if c.group != nil {
		c.group.Go(d.run)
	}
}

// interruptAllLocked notifies the condition variable and invalidates
// every peer's session, per stepDown/exit's "cancel all outstanding
// RPCs" requirement (spec §4.4, §5). Must be called with the lock
// held.
func (c *consensusCore) interruptAllLocked() {
	c.config.ForEach(func(s *ServerRecord) {
		if s.driver != nil {
			s.driver.invalidateSession()
		}
	})
	c.changed.broadcast()
}

func (c *consensusCore) now() time.Time {
	return c.clock()
}

// reloadConfiguration re-derives the installed configuration by
// scanning backward from the end of the log for the latest
// configuration entry, the way LogCabin's scanForConfiguration does on
// boot and after a follower truncates its tail past the entry its
// current configuration came from.
func (c *consensusCore) reloadConfiguration() {
	for id := c.log.LastId(); id >= 1; id-- {
		entry, err := c.log.Get(id)
		if err != nil {
			c.logger.Error("cannot read entry %d while scanning for configuration: %v", id, err)
			return
		}
		if entry.Type == EntryConfiguration {
			c.config.SetConfiguration(entry.Id, *entry.Configuration)
			return
		}
	}
	c.config.SetConfiguration(0, ConfigDescriptor{})
}

// updateMetadataLocked persists currentTerm/votedFor durably before
// any externally visible effect that depends on them, per spec §5's
// ordering guarantee.
func (c *consensusCore) updateMetadataLocked() error {
	err := c.log.UpdateMetadata(PersistentState{
		CurrentTerm: c.currentTerm,
		VotedFor:    c.votedFor,
	})
	if err != nil {
		c.logger.Error("cannot persist metadata: %v", err)
	}
	return err
}

// stepDown transitions to follower, per spec §4.4's stepDown
// operation. Must be called with the lock held.
func (c *consensusCore) stepDownLocked(newTerm Term) {
	if newTerm > c.currentTerm {
		c.currentTerm = newTerm
		c.votedFor = 0
		c.updateMetadataLocked()
	}

	c.state = StateFollower
	c.leaderId = 0
	c.electionAttempt = 0

	c.interruptAllLocked()
	c.setFollowerTimer()
	c.checkInvariants()
}

// setFollowerTimer arms startElectionAt per spec §4.4's election
// jitter: uniformly in [now + FollowerTimeout, now + 2*FollowerTimeout).
func (c *consensusCore) setFollowerTimer() {
	timeout := c.tunables.FollowerTimeout
	jitter := time.Duration(c.rand.Int63n(int64(timeout)))
	c.startElectionAt = c.now().Add(timeout + jitter)
	c.changed.broadcast()
}

// setCandidateTimer arms startElectionAt for a candidate's election
// timeout, scaled by how many consecutive elections this server has
// started since it last stepped down (capped at 5).
func (c *consensusCore) setCandidateTimer(attempt uint64) {
	timeout := c.tunables.FollowerTimeout
	jitter := time.Duration(c.rand.Int63n(int64(timeout)))

	scale := attempt
	if scale > 5 {
		scale = 5
	}
	if scale < 1 {
		scale = 1
	}

	c.startElectionAt = c.now().Add(time.Duration(scale) * (timeout + jitter))
	c.changed.broadcast()
}

// electionTimerMain is the election timer thread of spec §5: it
// sleeps until startElectionAt, then, under lock, starts an election
// if still appropriate.
func (c *consensusCore) electionTimerMain() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.exiting {
			return nil
		}

		now := c.now()
		if !now.Before(c.startElectionAt) {
			if c.state != StateLeader && c.config.State() != ConfigBlank {
				c.startNewElectionLocked()
				continue
			}
			// Leaders and blank configurations have nothing to elect;
			// re-arm the timer instead of spinning on an already-elapsed
			// deadline every iteration.
			c.setFollowerTimer()
		}

		wait := c.startElectionAt.Sub(c.now())
		ch := c.changed.wait()
		c.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(wait):
		case <-c.stopCh:
		}
		c.mu.Lock()
	}
}

// stepDownTimerMain is the step-down timer thread of spec §5: a
// periodic leader-lease audit that steps a leader down if no quorum
// has acknowledged its epoch within FollowerTimeout.
func (c *consensusCore) stepDownTimerMain() error {
	interval := c.tunables.HeartbeatPeriod
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.exiting {
			return nil
		}

		if c.state == StateLeader {
			c.auditLeaderLeaseLocked()
		}

		ch := c.changed.wait()
		c.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(interval):
		case <-c.stopCh:
		}
		c.mu.Lock()
	}
}

// auditLeaderLeaseLocked renews the leader's lease target once per
// FollowerTimeout window and, at the start of each new window, checks
// whether a quorum acknowledged the *previous* target in time. Comparing
// quorumMinAckEpochLocked against a fixed epoch (rather than watching for
// it to change) matters because an actively-acking quorum can plateau at
// the same epoch value indefinitely; only the passage of a full window
// without reaching the target means the quorum is gone.
func (c *consensusCore) auditLeaderLeaseLocked() {
	now := c.now()

	if !c.leaseEpochSetAt.IsZero() && now.Sub(c.leaseEpochSetAt) < c.tunables.FollowerTimeout {
		return
	}

	if c.leaseEpoch != 0 && c.quorumMinAckEpochLocked() < c.leaseEpoch {
		c.logger.Info("no quorum acknowledgement within follower timeout, stepping down")
		c.stepDownLocked(c.currentTerm)
		return
	}

	c.currentEpoch++
	c.leaseEpoch = c.currentEpoch
	c.leaseEpochSetAt = now
}

func (c *consensusCore) quorumMinAckEpochLocked() uint64 {
	return c.config.QuorumMin(func(s *ServerRecord) uint64 {
		if s.IsLocal {
			return c.currentEpoch
		}
		return s.LastAckEpoch
	})
}

func (c *consensusCore) quorumMinLastAgreeLocked() EntryId {
	return EntryId(c.config.QuorumMin(func(s *ServerRecord) uint64 {
		if s.IsLocal {
			return uint64(c.log.LastId())
		}
		return uint64(s.LastAgreeId)
	}))
}

// String implements fmt.Stringer for debugging.
func (c *consensusCore) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("consensusCore{id:%d state:%v term:%d committed:%d leader:%d}",
		c.localId, c.state, c.currentTerm, c.committedId, c.leaderId)
}
