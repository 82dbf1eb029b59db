package models

import "time"

// NodeStatus is the lifecycle state of a node.
type NodeStatus string

const (
	StatusNew              NodeStatus = "new"
	StatusPending          NodeStatus = "pending"
	StatusUp               NodeStatus = "up"
	StatusVisible          NodeStatus = "visible"
	StatusDown             NodeStatus = "down"
	StatusDuped            NodeStatus = "duped"
	StatusInvalid          NodeStatus = "invalid"
	StatusAwaitingRenumber NodeStatus = "awaiting_renumber"
)

// Valid reports whether s is one of the defined statuses.
func (s NodeStatus) Valid() bool {
	switch s {
	case StatusNew, StatusPending, StatusUp, StatusVisible, StatusDown,
		StatusDuped, StatusInvalid, StatusAwaitingRenumber:
		return true
	}
	return false
}

// NodeType classifies the hardware/deployment of a node.
type NodeType string

const (
	NodeTypeUnknown  NodeType = "unknown"
	NodeTypeWireless NodeType = "wireless"
	NodeTypeServer   NodeType = "server"
	NodeTypeWired    NodeType = "wired"
	NodeTypeMobile   NodeType = "mobile"
	NodeTypeTest     NodeType = "test"
)

// Health is a tri-state health flag reported by telemetry.
type Health string

const (
	HealthUnknown Health = ""
	HealthOK      Health = "ok"
	HealthFailed  Health = "failed"
)

// Roles are designated node roles relevant to redundancy tracking.
type Roles struct {
	BorderRouter       bool `json:"border_router,omitempty"`
	VPNServer          bool `json:"vpn_server,omitempty"`
	RequiresRedundancy bool `json:"requires_redundancy,omitempty"`
}

// Node is the registry record of one mesh node.
type Node struct {
	ID        string     `json:"id"`
	Address   string     `json:"address"`
	Name      string     `json:"name"`
	Status    NodeStatus `json:"status"`
	OwnerID   string     `json:"owner_id,omitempty"`
	Roles     Roles      `json:"roles"`
	Profile   Profile    `json:"profile"`
	PeerCount int        `json:"peer_count"`
	Visible   bool       `json:"visible"`
	FirstSeen time.Time  `json:"first_seen,omitempty"`
	LastSeen  time.Time  `json:"last_seen,omitempty"`

	// Uptime credit accumulates while the node stays up; UpSince is zero
	// whenever the node is not up.
	UptimeSoFar time.Duration `json:"uptime_so_far"`
	UpSince     time.Time     `json:"up_since,omitempty"`

	ReportedUptime int64  `json:"reported_uptime"`
	RebootCount    int    `json:"reboot_count"`
	RebootMode     bool   `json:"reboot_mode,omitempty"`
	Firmware       string `json:"firmware,omitempty"`
	Channel        int    `json:"channel,omitempty"`
	LossCount      int64  `json:"loss_count"`
	CaptivePortal  Health `json:"captive_portal,omitempty"`
	DNSWorks       Health `json:"dns_works,omitempty"`
	ClientsSoFar   int    `json:"clients_so_far"`
	HasRedundancy  bool   `json:"has_redundancy"`

	PackagesCheckedAt time.Time `json:"packages_checked_at,omitempty"`
	// TelemetrySeen is the time of the last interpreted telemetry document;
	// counters are only compared once it is set.
	TelemetrySeen time.Time `json:"telemetry_seen,omitempty"`
}

// RenumberNotice announces that a node is moving to a new address.
type RenumberNotice struct {
	OldAddress string    `json:"old_address"`
	NewAddress string    `json:"new_address"`
	NodeType   NodeType  `json:"node_type"`
	Created    time.Time `json:"created"`
}
