package models

import "time"

// Event is an operator-visible occurrence on a node.
type Event struct {
	ID         string            `json:"id"`
	NodeID     string            `json:"node_id"`
	Code       string            `json:"code"`
	Summary    string            `json:"summary"`
	Data       map[string]string `json:"data,omitempty"`
	Counter    int               `json:"counter"`
	Timestamp  time.Time         `json:"ts"`
	NeedResend bool              `json:"need_resend,omitempty"`
	LastSent   time.Time         `json:"last_sent,omitempty"`
}
