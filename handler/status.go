//go:build linux

// Package handler implements the per-connection relay state machines:
// TCPHandler for accepted TCP flows and UDPHandler for per-source UDP
// flows. Both are driven exclusively from the single event-loop
// goroutine described in SPEC_FULL.md §5 and carry no internal locking.
package handler

import "github.com/ir-tunnel/ir/ioloop"

// Status is a per-direction stream state. It is a bitmask so READING and
// WRITING can combine into READWRITING.
type Status int

const (
	StatusInit        Status = 0
	StatusReading     Status = 1 << 0
	StatusWriting     Status = 1 << 1
	StatusReadWriting        = StatusReading | StatusWriting
)

func (s Status) reading() bool { return s&StatusReading != 0 }
func (s Status) writing() bool { return s&StatusWriting != 0 }

// Role distinguishes the client-side redirector from the server-side
// exit; a TCPHandler or UDPHandler is fixed to one role at construction.
type Role int

const (
	RoleLocal Role = iota
	RoleRemote
)

// localMask and remoteMask implement the table in spec.md §4.3: each
// socket always carries hangup+error. The local socket adds EPOLLIN when
// upstream has the READING bit and EPOLLOUT when downstream has the
// WRITING bit; the remote socket adds EPOLLIN on downstream READING and
// EPOLLOUT on upstream WRITING.
func localMask(upstream, downstream Status) ioloop.Readiness {
	m := ioloop.ReadinessHup | ioloop.ReadinessErr
	if upstream.reading() {
		m |= ioloop.ReadinessRead
	}
	if downstream.writing() {
		m |= ioloop.ReadinessWrite
	}
	return m
}

func remoteMask(upstream, downstream Status) ioloop.Readiness {
	m := ioloop.ReadinessHup | ioloop.ReadinessErr
	if downstream.reading() {
		m |= ioloop.ReadinessRead
	}
	if upstream.writing() {
		m |= ioloop.ReadinessWrite
	}
	return m
}
