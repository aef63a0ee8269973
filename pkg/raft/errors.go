package raft

import "errors"

// ErrExiting is returned by blocking operations when the server has
// been told to exit.
var ErrExiting = errors.New("raft: server is exiting")

func containsServerId(descriptors []ServerDescriptor, id ServerId) bool {
	for _, d := range descriptors {
		if d.Id == id {
			return true
		}
	}
	return false
}
