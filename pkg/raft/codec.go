package raft

import "encoding/json"

// entryWire is the JSON storage shape of an Entry (spec §6: "Entry
// wire shape"), used by the persistent log's bolt encoding. The
// AppendEntry RPC payload does not use it: its Entries are encoded as
// plain Entry values.
type entryWire struct {
	Id            EntryId           `json:"entryId"`
	Term          Term              `json:"term"`
	Type          EntryType         `json:"type"`
	Data          []byte            `json:"payload,omitempty"`
	Configuration *ConfigDescriptor `json:"configuration,omitempty"`
}

func encodeEntry(e Entry) ([]byte, error) {
	w := entryWire{
		Id:            e.Id,
		Term:          e.Term,
		Type:          e.Type,
		Data:          e.Data,
		Configuration: e.Configuration,
	}
	return json.Marshal(&w)
}

func decodeEntry(data []byte) (Entry, error) {
	var w entryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Entry{}, err
	}
	return Entry{
		Id:            w.Id,
		Term:          w.Term,
		Type:          w.Type,
		Data:          w.Data,
		Configuration: w.Configuration,
	}, nil
}

func encodeMetadata(state PersistentState) ([]byte, error) {
	return json.Marshal(&state)
}

func decodeMetadata(data []byte, state *PersistentState) error {
	return json.Unmarshal(data, state)
}
