package handler

import (
	"testing"

	"github.com/ir-tunnel/ir/ioloop"
)

// TestTCPHandlerReadinessMask checks the readiness table from spec.md
// §4.3: each socket always carries hangup+error; the local socket adds
// EPOLLIN when upstream is READING and EPOLLOUT when downstream is
// WRITING, and the remote socket the reverse.
func TestTCPHandlerReadinessMask(t *testing.T) {
	always := ioloop.ReadinessHup | ioloop.ReadinessErr

	cases := []struct {
		name       string
		upstream   Status
		downstream Status
		wantLocal  ioloop.Readiness
		wantRemote ioloop.Readiness
	}{
		{
			name:       "reading both directions",
			upstream:   StatusReading,
			downstream: StatusReading,
			wantLocal:  always | ioloop.ReadinessRead,
			wantRemote: always | ioloop.ReadinessRead,
		},
		{
			name:       "upstream draining a write backlog",
			upstream:   StatusWriting,
			downstream: StatusReading,
			wantLocal:  always,
			wantRemote: always | ioloop.ReadinessRead | ioloop.ReadinessWrite,
		},
		{
			name:       "downstream draining a write backlog",
			upstream:   StatusReading,
			downstream: StatusWriting,
			wantLocal:  always | ioloop.ReadinessRead | ioloop.ReadinessWrite,
			wantRemote: always,
		},
		{
			name:       "both directions read-writing",
			upstream:   StatusReadWriting,
			downstream: StatusReadWriting,
			wantLocal:  always | ioloop.ReadinessRead | ioloop.ReadinessWrite,
			wantRemote: always | ioloop.ReadinessRead | ioloop.ReadinessWrite,
		},
		{
			name:       "init state asks for nothing beyond hup/err",
			upstream:   StatusInit,
			downstream: StatusInit,
			wantLocal:  always,
			wantRemote: always,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := localMask(tc.upstream, tc.downstream); got != tc.wantLocal {
				t.Fatalf("localMask(%v,%v) = %v, want %v", tc.upstream, tc.downstream, got, tc.wantLocal)
			}
			if got := remoteMask(tc.upstream, tc.downstream); got != tc.wantRemote {
				t.Fatalf("remoteMask(%v,%v) = %v, want %v", tc.upstream, tc.downstream, got, tc.wantRemote)
			}
		})
	}
}
