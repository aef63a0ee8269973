// Package raft implements the leader-based replication and election
// engine of a replicated log: a persistent log, a membership
// configuration with joint-consensus support, a peer driver for remote
// servers, and the consensus core that ties them together.
package raft

import "fmt"

// ServerId identifies a server in the cluster. It is never zero for a
// real server; zero means "no server" (no leader, no vote).
type ServerId uint64

// ServerAddress is the network address at which a server may be
// reached by the RPC transport.
type ServerAddress string

// Term is a monotonically increasing election term. At most one
// leader exists for any given term.
type Term uint64

// EntryId identifies an entry in the persistent log. Id 0 is reserved
// to mean "no entry"; the first valid id is 1.
type EntryId uint64

// EntryType distinguishes ordinary opaque data entries from entries
// that carry a configuration change.
type EntryType int

const (
	// EntryData carries an opaque payload for the state machine.
	EntryData EntryType = iota
	// EntryConfiguration carries a ConfigDescriptor.
	EntryConfiguration
)

func (t EntryType) String() string {
	switch t {
	case EntryData:
		return "data"
	case EntryConfiguration:
		return "configuration"
	default:
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
}

// ServerDescriptor names one server in a configuration descriptor.
type ServerDescriptor struct {
	Id      ServerId      `json:"id"`
	Address ServerAddress `json:"address"`
}

// ConfigDescriptor is the wire/log shape of a configuration change. A
// descriptor with an empty OldServers list is "simple"/stable: only
// NewServers matters. A descriptor with both lists populated is
// "transitional": quorum requires majorities of both.
type ConfigDescriptor struct {
	OldServers []ServerDescriptor `json:"oldServers,omitempty"`
	NewServers []ServerDescriptor `json:"newServers"`
}

// IsTransitional reports whether this descriptor encodes a joint
// (old+new) configuration rather than a simple/stable one.
func (d ConfigDescriptor) IsTransitional() bool {
	return len(d.OldServers) > 0
}

// Entry is an immutable record in the persistent log. Once persisted
// with a given Id, it never changes unless the tail is truncated.
type Entry struct {
	Id            EntryId
	Term          Term
	Type          EntryType
	Data          []byte
	Configuration *ConfigDescriptor
}

// PersistentState is the small scalar metadata record that must be
// flushed durably before any RPC response that depends on it.
type PersistentState struct {
	CurrentTerm Term     `json:"currentTerm"`
	VotedFor    ServerId `json:"votedFor"`
}

// ClientResult is the outcome of a public, client-facing operation.
type ClientResult int

const (
	// ResultSuccess: the operation committed and is visible.
	ResultSuccess ClientResult = iota
	// ResultNotLeader: the caller must retry elsewhere; LeaderHint may
	// name a better server.
	ResultNotLeader
	// ResultRetry: a transient condition; retrying is safe.
	ResultRetry
	// ResultFail: a permanent failure of this attempt.
	ResultFail
)

func (r ClientResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultNotLeader:
		return "not_leader"
	case ResultRetry:
		return "retry"
	case ResultFail:
		return "fail"
	default:
		return fmt.Sprintf("ClientResult(%d)", int(r))
	}
}

// ServerState is the role a server occupies in the Raft state
// machine.
type ServerState int

const (
	StateFollower ServerState = iota
	StateCandidate
	StateLeader
)

func (s ServerState) String() string {
	switch s {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	default:
		return fmt.Sprintf("ServerState(%d)", int(s))
	}
}

// ConfigState is the membership state machine driven by Configuration.
type ConfigState int

const (
	// ConfigBlank: no servers are known. Initial state of a fresh
	// server.
	ConfigBlank ConfigState = iota
	// ConfigStable: a single list of voting servers.
	ConfigStable
	// ConfigStaging: the stable list plus a set of non-voting
	// listeners being caught up.
	ConfigStaging
	// ConfigTransitional: joint consensus between an old and a new
	// list, both of which must form a quorum.
	ConfigTransitional
)

func (s ConfigState) String() string {
	switch s {
	case ConfigBlank:
		return "blank"
	case ConfigStable:
		return "stable"
	case ConfigStaging:
		return "staging"
	case ConfigTransitional:
		return "transitional"
	default:
		return fmt.Sprintf("ConfigState(%d)", int(s))
	}
}
