// Package subnets classifies announced address ranges against the
// allocation registry.
package subnets

import (
	"math"
	"net/netip"
	"sort"
	"time"

	"meshmon/pkg/models"
)

// Announcement is one prefix announced by a node in the topology snapshot.
type Announcement struct {
	NodeID string
	Prefix netip.Prefix
}

// Input is everything Classify needs for one cycle.
type Input struct {
	Now           time.Time
	Existing      []models.Subnet
	Announced     []Announcement
	BorderRouters map[string]bool
	// Reachable reports whether a node is visible this cycle.
	Reachable func(nodeID string) bool
}

// Conflict is a visible subnet overlapping another node's allocation.
type Conflict struct {
	Subnet      models.Subnet
	Owner       string
	OwnerPrefix netip.Prefix
	// New is set when the subnet was not hijacked in the previous cycle.
	New bool
}

// Result is the outcome of one classification pass.
type Result struct {
	Subnets      []models.Subnet
	Deleted      []models.Subnet
	Conflicts    []Conflict
	NotAllocated []models.Subnet
	NotAnnounced []models.Subnet
}

// ID returns the registry identity of a subnet record.
func ID(nodeID string, prefix netip.Prefix) string {
	return nodeID + "/" + prefix.String()
}

// Overlaps reports whether two ranges conflict: any full or partial
// containment, including equality. Default routes never conflict.
func Overlaps(a, b netip.Prefix) bool {
	if !a.IsValid() || !b.IsValid() || a.Bits() == 0 || b.Bits() == 0 {
		return false
	}
	return a.Masked().Overlaps(b.Masked())
}

// Within reports whether inner is equal to or more specific than outer and
// lies inside it.
func Within(inner, outer netip.Prefix) bool {
	if !inner.IsValid() || !outer.IsValid() || inner.Bits() < outer.Bits() {
		return false
	}
	return outer.Masked().Contains(inner.Masked().Addr())
}

// UsableHosts returns the number of assignable addresses in p after
// subtracting reserved addresses.
func UsableHosts(p netip.Prefix, reserved int) int {
	if !p.IsValid() {
		return 0
	}
	hostBits := p.Addr().BitLen() - p.Bits()
	if hostBits >= 31 {
		return math.MaxInt32
	}
	n := (1 << hostBits) - reserved
	if n < 0 {
		return 0
	}
	return n
}

// Classify updates subnet visibility and status for one snapshot.
func Classify(in Input) Result {
	reachable := in.Reachable
	if reachable == nil {
		reachable = func(string) bool { return false }
	}

	byID := make(map[string]*models.Subnet, len(in.Existing))
	prevStatus := make(map[string]models.SubnetStatus, len(in.Existing))
	order := make([]string, 0, len(in.Existing)+len(in.Announced))
	for i := range in.Existing {
		s := in.Existing[i]
		s.Prefix = s.Prefix.Masked()
		s.Visible = false
		if s.ID == "" {
			s.ID = ID(s.NodeID, s.Prefix)
		}
		if _, dup := byID[s.ID]; dup {
			continue
		}
		byID[s.ID] = &s
		prevStatus[s.ID] = s.Status
		order = append(order, s.ID)
	}

	for _, a := range in.Announced {
		if !a.Prefix.IsValid() || a.NodeID == "" {
			continue
		}
		p := a.Prefix.Masked()
		id := ID(a.NodeID, p)
		s, ok := byID[id]
		if !ok {
			s = &models.Subnet{ID: id, NodeID: a.NodeID, Prefix: p}
			byID[id] = s
			order = append(order, id)
		}
		s.Visible = true
		s.LastSeen = in.Now
	}

	var allocated []*models.Subnet
	for _, id := range order {
		if s := byID[id]; s.Allocated {
			allocated = append(allocated, s)
		}
	}

	var res Result
	for _, id := range order {
		s := byID[id]
		if !s.Visible {
			if !s.Allocated {
				res.Deleted = append(res.Deleted, *s)
				continue
			}
			s.Status = models.SubnetNotAnnounced
			res.Subnets = append(res.Subnets, *s)
			if reachable(s.NodeID) {
				res.NotAnnounced = append(res.NotAnnounced, *s)
			}
			continue
		}

		exempt := !s.Allocated && in.BorderRouters[s.NodeID]
		var conflicts []Conflict
		if !exempt {
			for _, owner := range allocated {
				if owner.NodeID == s.NodeID || !Overlaps(owner.Prefix, s.Prefix) {
					continue
				}
				conflicts = append(conflicts, Conflict{
					Owner:       owner.NodeID,
					OwnerPrefix: owner.Prefix,
					New:         prevStatus[s.ID] != models.SubnetHijacked,
				})
			}
		}

		switch {
		case len(conflicts) > 0:
			s.Status = models.SubnetHijacked
			for i := range conflicts {
				conflicts[i].Subnet = *s
			}
			res.Conflicts = append(res.Conflicts, conflicts...)
		case s.Allocated:
			s.Status = models.SubnetAnnouncedOk
		case subsetOfOwn(s, allocated):
			s.Status = models.SubnetSubset
		default:
			s.Status = models.SubnetNotAllocated
			if !in.BorderRouters[s.NodeID] {
				res.NotAllocated = append(res.NotAllocated, *s)
			}
		}
		res.Subnets = append(res.Subnets, *s)
	}

	sort.SliceStable(res.Conflicts, func(i, j int) bool {
		if res.Conflicts[i].Subnet.ID != res.Conflicts[j].Subnet.ID {
			return res.Conflicts[i].Subnet.ID < res.Conflicts[j].Subnet.ID
		}
		return res.Conflicts[i].Owner < res.Conflicts[j].Owner
	})
	return res
}

func subsetOfOwn(s *models.Subnet, allocated []*models.Subnet) bool {
	for _, own := range allocated {
		if own.NodeID != s.NodeID {
			continue
		}
		if s.Prefix.Bits() > own.Prefix.Bits() && Within(s.Prefix, own.Prefix) {
			return true
		}
	}
	return false
}
