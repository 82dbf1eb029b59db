package models

import "time"

// APClient is a transient client association seen on a node.
type APClient struct {
	NodeID    string    `json:"node_id"`
	MAC       string    `json:"mac"`
	IP        string    `json:"ip,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// InstalledPackage is one entry of a node's software inventory.
type InstalledPackage struct {
	NodeID   string    `json:"node_id"`
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	LastSeen time.Time `json:"last_seen"`
}
