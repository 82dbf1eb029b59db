// Package codes holds the catalogue of warning and event codes. A Registry
// is built once at startup, sealed, and handed to the components that raise
// warnings or events.
package codes

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind tells warnings apart from events.
type Kind int

const (
	KindWarning Kind = iota
	KindEvent
)

// Warning codes.
const (
	WarnUnregisteredNode   = "unregistered_node"
	WarnDupedReplies       = "duped_replies"
	WarnSubnetNotAllocated = "subnet_not_allocated"
	WarnSubnetHijacked     = "subnet_hijacked"
	WarnSubnetNotAnnounced = "subnet_not_announced"
	WarnAddressExhausted   = "address_exhausted"
	WarnESSIDMismatch      = "essid_mismatch"
	WarnBSSIDMismatch      = "bssid_mismatch"
	WarnUUIDMismatch       = "uuid_mismatch"
	WarnChannelMismatch    = "channel_mismatch"
	WarnShapingMismatch    = "shaping_mismatch"
	WarnNoRedundancy       = "no_redundancy"
	WarnTelemetryError     = "telemetry_error"
	WarnTelemetryRule      = "telemetry_rule"
	WarnCaptivePortalDown  = "captive_portal_down"
	WarnDNSFailure         = "dns_failure"
)

// Event codes.
const (
	EventNodeUp               = "node_up"
	EventNodeDown             = "node_down"
	EventNodeDuped            = "node_duped"
	EventUnknownNodeAppeared  = "unknown_node_appeared"
	EventAdjacencyEstablished = "adjacency_established"
	EventRedundancyGained     = "redundancy_gained"
	EventRedundancyLost       = "redundancy_lost"
	EventFirmwareChanged      = "firmware_changed"
	EventUptimeReset          = "uptime_reset"
	EventChannelChanged       = "channel_changed"
	EventLossIncreased        = "loss_increased"
	EventCaptivePortalFlip    = "captive_portal_changed"
	EventDNSFlip              = "dns_changed"
	EventAddressExhausted     = "address_space_exhausted"
	EventSubnetHijacked       = "subnet_hijack_detected"
)

// Descriptor describes one code. Summary may reference data keys as
// {key} placeholders.
type Descriptor struct {
	Code    string
	Kind    Kind
	Summary string
}

// Registry is the catalogue of known codes.
type Registry struct {
	mu     sync.RWMutex
	codes  map[string]Descriptor
	sealed bool
}

// NewRegistry returns a registry pre-populated with the built-in codes.
func NewRegistry() *Registry {
	r := &Registry{codes: make(map[string]Descriptor, len(builtin))}
	for _, d := range builtin {
		r.codes[d.Code] = d
	}
	return r
}

// Register adds a code. It fails once the registry is sealed or when the
// code is already known.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %s: registry is sealed", d.Code)
	}
	if strings.TrimSpace(d.Code) == "" {
		return fmt.Errorf("register: empty code")
	}
	if _, ok := r.codes[d.Code]; ok {
		return fmt.Errorf("register %s: already registered", d.Code)
	}
	r.codes[d.Code] = d
	return nil
}

// Seal freezes the registry. Sealing twice is a no-op.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the descriptor for code.
func (r *Registry) Lookup(code string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.codes[code]
	return d, ok
}

// Codes lists registered codes of the given kind in sorted order.
func (r *Registry) Codes(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codes))
	for code, d := range r.codes {
		if d.Kind == kind {
			out = append(out, code)
		}
	}
	sort.Strings(out)
	return out
}

// Summary renders the summary template of code with data.
func (r *Registry) Summary(code string, data map[string]string) string {
	d, ok := r.Lookup(code)
	if !ok || d.Summary == "" {
		return code
	}
	if len(data) == 0 {
		return d.Summary
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(d.Summary)
}

var builtin = []Descriptor{
	{WarnUnregisteredNode, KindWarning, "Node {address} is not registered"},
	{WarnDupedReplies, KindWarning, "Node replies to pings with duplicates"},
	{WarnSubnetNotAllocated, KindWarning, "Subnet {subnet} is announced but not allocated"},
	{WarnSubnetHijacked, KindWarning, "Subnet {subnet} conflicts with {other}"},
	{WarnSubnetNotAnnounced, KindWarning, "Allocated subnet {subnet} is not announced"},
	{WarnAddressExhausted, KindWarning, "Subnet {subnet} has {clients} clients for {usable} usable addresses"},
	{WarnESSIDMismatch, KindWarning, "Reported ESSID {reported} does not match {expected}"},
	{WarnBSSIDMismatch, KindWarning, "Reported BSSID {reported} does not match {expected}"},
	{WarnUUIDMismatch, KindWarning, "Reported UUID {reported} does not match {expected}"},
	{WarnChannelMismatch, KindWarning, "Reported channel {reported} does not match {expected}"},
	{WarnShapingMismatch, KindWarning, "Traffic shaping {reported} does not match policy {expected}"},
	{WarnNoRedundancy, KindWarning, "Node has no redundant link to a border or VPN server"},
	{WarnTelemetryError, KindWarning, "Telemetry could not be interpreted"},
	{WarnTelemetryRule, KindWarning, "Telemetry matched rule {rule}"},
	{WarnCaptivePortalDown, KindWarning, "Captive portal is not working"},
	{WarnDNSFailure, KindWarning, "DNS resolution is failing"},

	{EventNodeUp, KindEvent, "Node has come up"},
	{EventNodeDown, KindEvent, "Node has gone down"},
	{EventNodeDuped, KindEvent, "Node is replying with duplicates"},
	{EventUnknownNodeAppeared, KindEvent, "Unknown node {address} appeared"},
	{EventAdjacencyEstablished, KindEvent, "First link with {peer} established"},
	{EventRedundancyGained, KindEvent, "Redundant link to {peer} gained"},
	{EventRedundancyLost, KindEvent, "Redundant link to {peer} lost"},
	{EventFirmwareChanged, KindEvent, "Firmware changed from {old} to {new}"},
	{EventUptimeReset, KindEvent, "Node rebooted (uptime {old} -> {new})"},
	{EventChannelChanged, KindEvent, "Wifi channel changed from {old} to {new}"},
	{EventLossIncreased, KindEvent, "Packet loss counter increased by {delta}"},
	{EventCaptivePortalFlip, KindEvent, "Captive portal is now {state}"},
	{EventDNSFlip, KindEvent, "DNS resolution is now {state}"},
	{EventAddressExhausted, KindEvent, "Subnet {subnet} ran out of addresses"},
	{EventSubnetHijacked, KindEvent, "Subnet {subnet} of {owner} hijacked by {hijacker}"},
}
