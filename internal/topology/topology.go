// Package topology fetches routing link-state and announced prefixes from
// the mesh routing daemon.
package topology

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrUnavailable wraps every failure to obtain a snapshot.
var ErrUnavailable = errors.New("topology source unavailable")

// LinkInfo is one reported adjacency from a node to a peer.
type LinkInfo struct {
	Peer  string
	LQ    float64
	ILQ   float64
	ETX   float64
	VTime time.Duration
}

// Snapshot is one cycle's link-state and announced-prefix table.
type Snapshot struct {
	FetchedAt time.Time
	// Links maps a node address to the peers it reports.
	Links map[string][]LinkInfo
	// Announced maps a node address to the prefixes it announces.
	Announced map[string][]string
}

// Source yields topology snapshots.
type Source interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// Addresses returns every address mentioned in the snapshot, sorted.
func (s *Snapshot) Addresses() []string {
	seen := make(map[string]struct{})
	for addr, links := range s.Links {
		seen[addr] = struct{}{}
		for _, l := range links {
			seen[l.Peer] = struct{}{}
		}
	}
	for addr := range s.Announced {
		seen[addr] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Peers returns the distinct peers of addr in either direction.
func (s *Snapshot) Peers(addr string) []string {
	seen := make(map[string]struct{})
	for _, l := range s.Links[addr] {
		seen[l.Peer] = struct{}{}
	}
	for src, links := range s.Links {
		for _, l := range links {
			if l.Peer == addr {
				seen[src] = struct{}{}
			}
		}
	}
	delete(seen, addr)
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
