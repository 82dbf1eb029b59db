package models

import "time"

// Sample is one time-series data point for a node metric family.
type Sample struct {
	Timestamp time.Time          `json:"ts"`
	NodeID    string             `json:"node_id"`
	Family    string             `json:"family"`
	Values    map[string]float64 `json:"values,omitempty"`
	// Reboot is set while discontinuity suppression is engaged.
	Reboot bool `json:"reboot,omitempty"`
	// Control carries out-of-band directives such as "regenerate".
	Control string `json:"control,omitempty"`
}
