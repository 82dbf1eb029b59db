package models

import (
	"net/netip"
	"time"
)

// SubnetStatus is the classification of an announced or allocated subnet.
type SubnetStatus string

const (
	SubnetAnnouncedOk  SubnetStatus = "announced_ok"
	SubnetNotAllocated SubnetStatus = "not_allocated"
	SubnetSubset       SubnetStatus = "subset"
	SubnetHijacked     SubnetStatus = "hijacked"
	SubnetNotAnnounced SubnetStatus = "not_announced"
)

// SubnetKind marks what the subnet is used for on the node.
type SubnetKind string

const (
	SubnetKindAnnounced SubnetKind = ""
	SubnetKindWifi      SubnetKind = "wifi"
	SubnetKindLAN       SubnetKind = "lan"
)

// Subnet is an address range owned by or announced from a node.
type Subnet struct {
	ID          string       `json:"id"`
	NodeID      string       `json:"node_id"`
	Prefix      netip.Prefix `json:"prefix"`
	Kind        SubnetKind   `json:"kind,omitempty"`
	Allocated   bool         `json:"allocated"`
	Visible     bool         `json:"visible"`
	Status      SubnetStatus `json:"status"`
	Description string       `json:"description,omitempty"`
	LastSeen    time.Time    `json:"last_seen,omitempty"`
}
