package raft

import (
	"encoding/json"
	"fmt"
)

// RequestVoteRequest is sent by a candidate to every other server
// (spec §6).
type RequestVoteRequest struct {
	Term        Term
	CandidateId ServerId
	LastLogId   EntryId
	LastLogTerm Term
}

// RequestVoteResponse is the reply to a RequestVoteRequest.
// LastLogId helps a new leader bootstrap LastAgreeId for this peer.
type RequestVoteResponse struct {
	Term      Term
	Granted   bool
	LastLogId EntryId
}

// AppendEntryRequest is sent by a leader, either carrying new entries
// or, when Entries is empty, as a heartbeat (spec §6).
type AppendEntryRequest struct {
	Term           Term
	LeaderId       ServerId
	PrevLogId      EntryId
	PrevLogTerm    Term
	Entries        []Entry
	LeaderCommitId EntryId
}

func (r AppendEntryRequest) String() string {
	return fmt.Sprintf("AppendEntry{term:%d leader:%d prev:(%d,%d) entries:%d commit:%d}",
		r.Term, r.LeaderId, r.PrevLogId, r.PrevLogTerm, len(r.Entries), r.LeaderCommitId)
}

// AppendEntryResponse is the reply to an AppendEntryRequest.
type AppendEntryResponse struct {
	Term      Term
	Success   bool
	LastLogId EntryId
}

// rpcEnvelope is the JSON wire envelope for the HTTP transport,
// following the teacher's tagged-union encoding in protocol.go:
// {"type": "...", "value": {...}}.
type rpcEnvelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

const (
	msgRequestVoteRequest  = "requestVoteRequest"
	msgRequestVoteResponse = "requestVoteResponse"
	msgAppendEntryRequest  = "appendEntryRequest"
	msgAppendEntryResponse = "appendEntryResponse"
)

func encodeEnvelope(msgType string, value interface{}) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&rpcEnvelope{Type: msgType, Value: raw})
}

func decodeEnvelope(data []byte, expectType string, out interface{}) error {
	var env rpcEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("cannot decode envelope: %w", err)
	}
	if env.Type != expectType {
		return fmt.Errorf("unexpected message type %q, want %q", env.Type, expectType)
	}
	return json.Unmarshal(env.Value, out)
}
