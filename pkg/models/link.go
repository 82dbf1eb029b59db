package models

import "time"

// Link is a directed routing adjacency between two nodes.
type Link struct {
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
	LQ          float64       `json:"lq"`
	ILQ         float64       `json:"ilq"`
	ETX         float64       `json:"etx"`
	Visible     bool          `json:"visible"`
	VTime       time.Duration `json:"vtime"`
	LastSeen    time.Time     `json:"last_seen,omitempty"`
}

// Key returns the ordered pair identity of the link.
func (l *Link) Key() string {
	return LinkKey(l.Source, l.Destination)
}

// LinkKey builds the ordered pair identity for source and destination.
func LinkKey(src, dst string) string {
	return src + ">" + dst
}

// PeerHistory records the first time two nodes were seen peering.
type PeerHistory struct {
	NodeID    string    `json:"node_id"`
	PeerID    string    `json:"peer_id"`
	FirstSeen time.Time `json:"first_seen"`
	// Established is set once the adjacency has been reported as long-term.
	Established bool `json:"established,omitempty"`
}
