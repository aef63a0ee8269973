package raft

import (
	"fmt"
	"sort"
	"time"
)

// ServerRecord is the in-memory record for one known server, local or
// remote (spec §3, "Server (in-memory)"). It does no locking of its
// own: it must only be accessed while holding the owning
// consensusCore's lock. Records are shared between the Configuration
// and any running peer driver for that server, and they outlive their
// driver's shutdown because the driver keeps its own reference to the
// record.
type ServerRecord struct {
	Id      ServerId
	Address ServerAddress

	// IsLocal is true for the single record representing this
	// process.
	IsLocal bool

	// gcFlag is used internally by Configuration to sweep servers
	// that are no longer mentioned by any role after a configuration
	// change.
	gcFlag bool

	// The following fields are meaningful only for remote peers and
	// only while this server is candidate or leader.

	LastAgreeId     EntryId
	RequestVoteDone bool
	HaveVote        bool
	LastAckEpoch    uint64

	NextHeartbeatTime time.Time
	BackoffUntil      time.Time

	ThisCatchUpIterationStart  time.Time
	ThisCatchUpIterationGoalId EntryId
	LastCatchUpIterationMs     int64
	IsCaughtUp                 bool

	// driver is the running peer driver for this server, if any. Set
	// by the consensus core when the server first appears in any
	// role and cleared when the driver is torn down.
	driver *peerDriver
}

func newServer(id ServerId, address ServerAddress) *ServerRecord {
	return &ServerRecord{Id: id, Address: address}
}

// simpleConfiguration is a list of servers for which a simple
// majority constitutes a quorum (spec §4.2's SimpleConfiguration
// analogue, following LogCabin's Configuration::SimpleConfiguration).
type simpleConfiguration struct {
	servers []*ServerRecord
}

func (sc simpleConfiguration) contains(server *ServerRecord) bool {
	for _, s := range sc.servers {
		if s == server {
			return true
		}
	}
	return false
}

func (sc simpleConfiguration) forEach(fn func(*ServerRecord)) {
	for _, s := range sc.servers {
		fn(s)
	}
}

// all reports whether every server in the list satisfies predicate.
func (sc simpleConfiguration) all(predicate func(*ServerRecord) bool) bool {
	for _, s := range sc.servers {
		if !predicate(s) {
			return false
		}
	}
	return true
}

// min returns the smallest value across every server in the list, or
// 0 if the list is empty. Unlike quorumMin, this does not require a
// majority: it is used for the non-voting staging set.
func (sc simpleConfiguration) min(valueFn func(*ServerRecord) uint64) uint64 {
	if len(sc.servers) == 0 {
		return 0
	}
	min := valueFn(sc.servers[0])
	for _, s := range sc.servers[1:] {
		if v := valueFn(s); v < min {
			min = v
		}
	}
	return min
}

func majoritySize(n int) int {
	return n/2 + 1
}

// quorumAll reports whether there exists a quorum (a majority of this
// list) in which every member satisfies predicate. Equivalently, at
// least a majority of the list satisfies predicate.
func (sc simpleConfiguration) quorumAll(predicate func(*ServerRecord) bool) bool {
	count := 0
	for _, s := range sc.servers {
		if predicate(s) {
			count++
		}
	}
	return count >= majoritySize(len(sc.servers))
}

// quorumMin returns the largest v such that a majority of the list
// has valueFn(server) >= v, or 0 if the list is empty.
func (sc simpleConfiguration) quorumMin(valueFn func(*ServerRecord) uint64) uint64 {
	if len(sc.servers) == 0 {
		return 0
	}

	values := make([]uint64, len(sc.servers))
	for i, s := range sc.servers {
		values[i] = valueFn(s)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] > values[j] })

	return values[majoritySize(len(sc.servers))-1]
}

// Configuration is the membership view: the four-state machine of
// spec §4.2 implementing quorum intersection for joint consensus. It
// does no locking of its own; it must only be accessed while holding
// the owning consensusCore's lock.
type Configuration struct {
	localId ServerId
	logger  Logger

	// onServerCreated is invoked the first time a server other than
	// the local one is mentioned in any role (old, new, or staging).
	// It is the hook the consensus core uses to start that server's
	// peer driver.
	onServerCreated func(*ServerRecord)

	// onServerRemoved is invoked for any server dropped by the gc
	// sweep after a configuration install. It is the hook the
	// consensus core uses to tear down that server's peer driver.
	onServerRemoved func(*ServerRecord)

	known map[ServerId]*ServerRecord

	localServer *ServerRecord

	state ConfigState
	id    EntryId

	description ConfigDescriptor

	oldServers simpleConfiguration
	newServers simpleConfiguration
}

// NewConfiguration creates a blank configuration for localId.
func NewConfiguration(localId ServerId, localAddress ServerAddress, logger Logger) *Configuration {
	if logger == nil {
		logger = NopLogger{}
	}

	local := newServer(localId, localAddress)
	local.IsLocal = true

	return &Configuration{
		localId:     localId,
		logger:      logger,
		known:       map[ServerId]*ServerRecord{localId: local},
		localServer: local,
		state:       ConfigBlank,
	}
}

// State returns the current membership state.
func (c *Configuration) State() ConfigState {
	return c.state
}

// Id returns the log entry id this configuration was installed from.
func (c *Configuration) Id() EntryId {
	return c.id
}

// Description returns the descriptor most recently installed.
func (c *Configuration) Description() ConfigDescriptor {
	return c.description
}

// serverFor returns the known server record for id, creating (and
// registering for driver startup) one if this is the first mention.
func (c *Configuration) serverFor(id ServerId, address ServerAddress) *ServerRecord {
	if s, found := c.known[id]; found {
		if address != "" {
			s.Address = address
		}
		return s
	}

	s := newServer(id, address)
	c.known[id] = s

	if c.onServerCreated != nil {
		c.onServerCreated(s)
	}

	return s
}

func buildSimple(c *Configuration, descriptors []ServerDescriptor) simpleConfiguration {
	servers := make([]*ServerRecord, 0, len(descriptors))
	for _, d := range descriptors {
		servers = append(servers, c.serverFor(d.Id, d.Address))
	}
	return simpleConfiguration{servers: servers}
}

// SetConfiguration replaces the current configuration with the one
// encoded in descriptor, installed at log entry id. Any existing
// staging servers are dropped.
func (c *Configuration) SetConfiguration(id EntryId, descriptor ConfigDescriptor) {
	c.id = id
	c.description = descriptor

	c.oldServers = buildSimple(c, descriptor.OldServers)
	c.newServers = buildSimple(c, descriptor.NewServers)

	if descriptor.IsTransitional() {
		c.state = ConfigTransitional
	} else {
		// A "stable" descriptor is encoded with only NewServers
		// populated; that becomes the voting list.
		c.oldServers = buildSimple(c, descriptor.NewServers)
		c.newServers = simpleConfiguration{}
		c.state = ConfigStable
	}

	if len(c.oldServers.servers) == 0 && len(c.newServers.servers) == 0 {
		c.state = ConfigBlank
	}

	c.gcSweep()

	c.logger.Debug(1, "installed configuration %d, state %v", id, c.state)
}

// SetStagingServers moves a STABLE configuration to STAGING with the
// given non-voting listener set.
func (c *Configuration) SetStagingServers(servers []ServerDescriptor) error {
	if c.state != ConfigStable {
		return fmt.Errorf("cannot set staging servers in state %v", c.state)
	}

	c.newServers = buildSimple(c, servers)
	c.state = ConfigStaging

	c.gcSweep()

	return nil
}

// ResetStagingServers returns a STAGING configuration to STABLE,
// dropping the listener set.
func (c *Configuration) ResetStagingServers() {
	if c.state != ConfigStaging {
		return
	}

	c.newServers = simpleConfiguration{}
	c.state = ConfigStable

	c.gcSweep()
}

// ForEach invokes fn once for every known server: the local server,
// every server in the old/stable list, and every server in the
// new/staging list, each exactly once even if it appears in more than
// one role.
func (c *Configuration) ForEach(fn func(*ServerRecord)) {
	seen := make(map[ServerId]bool, len(c.known))

	visit := func(s *ServerRecord) {
		if !seen[s.Id] {
			seen[s.Id] = true
			fn(s)
		}
	}

	visit(c.localServer)
	c.oldServers.forEach(visit)
	c.newServers.forEach(visit)
}

// HasVote reports whether server participates in the current quorum
// definition.
func (c *Configuration) HasVote(server *ServerRecord) bool {
	switch c.state {
	case ConfigBlank:
		return false
	case ConfigTransitional:
		return c.oldServers.contains(server) || c.newServers.contains(server)
	default: // STABLE, STAGING
		return c.oldServers.contains(server)
	}
}

// QuorumAll reports whether there exists a quorum in which every
// server satisfies predicate.
func (c *Configuration) QuorumAll(predicate func(*ServerRecord) bool) bool {
	switch c.state {
	case ConfigBlank:
		return false
	case ConfigTransitional:
		return c.oldServers.quorumAll(predicate) && c.newServers.quorumAll(predicate)
	default:
		return c.oldServers.quorumAll(predicate)
	}
}

// QuorumMin returns the largest v such that a quorum of servers each
// have valueFn(server) >= v. Returns 0 if the configuration is BLANK.
func (c *Configuration) QuorumMin(valueFn func(*ServerRecord) uint64) uint64 {
	switch c.state {
	case ConfigBlank:
		return 0
	case ConfigTransitional:
		oldMin := c.oldServers.quorumMin(valueFn)
		newMin := c.newServers.quorumMin(valueFn)
		if oldMin < newMin {
			return oldMin
		}
		return newMin
	default:
		return c.oldServers.quorumMin(valueFn)
	}
}

// StagingAll reports whether every server in the staging set
// satisfies predicate.
func (c *Configuration) StagingAll(predicate func(*ServerRecord) bool) bool {
	return c.newServers.all(predicate)
}

// StagingMin returns the smallest value across the staging set, or 0
// if it is empty.
func (c *Configuration) StagingMin(valueFn func(*ServerRecord) uint64) uint64 {
	return c.newServers.min(valueFn)
}

// StagingServers returns the current non-voting staging set, valid
// only in state STAGING.
func (c *Configuration) StagingServers() []*ServerRecord {
	return append([]*ServerRecord(nil), c.newServers.servers...)
}

// gcSweep marks every server reachable from the local server, the
// old/stable list, and the new/staging list, then drops (and notifies
// via onServerRemoved) any known server left unmarked. This is what
// tears down a peer driver once its server has left every role in the
// configuration.
func (c *Configuration) gcSweep() {
	for _, s := range c.known {
		s.gcFlag = false
	}

	c.localServer.gcFlag = true
	c.oldServers.forEach(func(s *ServerRecord) { s.gcFlag = true })
	c.newServers.forEach(func(s *ServerRecord) { s.gcFlag = true })

	for id, s := range c.known {
		if s.gcFlag || id == c.localId {
			continue
		}

		delete(c.known, id)
		if c.onServerRemoved != nil {
			c.onServerRemoved(s)
		}
	}
}
