package telemetry

import (
	"net/netip"
	"sort"
	"strings"
	"time"

	"meshmon/internal/convert"
)

// Section names a telemetry section reported by a node.
type Section string

const (
	SectionGeneral        Section = "general"
	SectionWifi           Section = "wifi"
	SectionNet            Section = "net"
	SectionDHCP           Section = "dhcp"
	SectionCaptivePortal  Section = "captive_portal"
	SectionSolar          Section = "solar"
	SectionEnvironment    Section = "environment"
	SectionClients        Section = "clients"
	SectionPackages       Section = "packages"
	SectionTrafficControl Section = "traffic_control"
)

// Document is one node's telemetry: a sparse set of sections, each holding
// raw key/value pairs. Typed views are decoded on demand and report whether
// the section was present at all.
type Document struct {
	FetchedAt time.Time
	sections  map[Section]map[string]string
}

// NewDocument returns an empty document.
func NewDocument(fetchedAt time.Time) *Document {
	return &Document{FetchedAt: fetchedAt, sections: make(map[Section]map[string]string)}
}

// Set stores one value.
func (d *Document) Set(section Section, key, value string) {
	m := d.sections[section]
	if m == nil {
		m = make(map[string]string)
		d.sections[section] = m
	}
	m[key] = value
}

// Has reports whether the section was reported.
func (d *Document) Has(section Section) bool {
	if d == nil {
		return false
	}
	_, ok := d.sections[section]
	return ok
}

// Raw returns the raw key/value pairs of a section.
func (d *Document) Raw(section Section) (map[string]string, bool) {
	if d == nil {
		return nil, false
	}
	m, ok := d.sections[section]
	return m, ok
}

// Sections lists the reported sections in name order.
func (d *Document) Sections() []Section {
	if d == nil {
		return nil
	}
	out := make([]Section, 0, len(d.sections))
	for s := range d.sections {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Flatten renders the document as "section.key" fields for rule matching.
func (d *Document) Flatten() map[string]interface{} {
	out := make(map[string]interface{})
	if d == nil {
		return out
	}
	for s, m := range d.sections {
		for k, v := range m {
			out[string(s)+"."+k] = v
		}
	}
	return out
}

func (d *Document) value(section Section, key string) (string, bool) {
	m, ok := d.Raw(section)
	if !ok {
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

// General is the general section.
type General struct {
	UUID     string
	Firmware string
	Hostname string
	// Uptime is in seconds; UptimeKnown is false when it was absent or
	// unparseable.
	Uptime      int64
	UptimeKnown bool
	LoadAvg     float64
	MemFree     int64
}

// General decodes the general section.
func (d *Document) General() (General, bool) {
	m, ok := d.Raw(SectionGeneral)
	if !ok {
		return General{}, false
	}
	g := General{
		UUID:     convert.String(m["uuid"]),
		Firmware: convert.String(m["version"]),
		Hostname: convert.String(m["hostname"]),
		LoadAvg:  convert.FloatOr(m["loadavg"], 0),
		MemFree:  convert.IntOr(m["memfree"], 0),
	}
	if v, ok := m["uptime"]; ok {
		g.Uptime, g.UptimeKnown = convert.Int(v)
	}
	return g, true
}

// Wifi is the wifi section.
type Wifi struct {
	ESSID   string
	BSSID   string
	Mode    string
	Channel int
	Signal  float64
	Noise   float64
	Bitrate float64
	Clients int
	Errors  int64
}

// Wifi decodes the wifi section.
func (d *Document) Wifi() (Wifi, bool) {
	m, ok := d.Raw(SectionWifi)
	if !ok {
		return Wifi{}, false
	}
	return Wifi{
		ESSID:   convert.String(m["essid"]),
		BSSID:   strings.ToLower(convert.String(m["bssid"])),
		Mode:    convert.String(m["mode"]),
		Channel: int(convert.IntOr(m["channel"], 0)),
		Signal:  convert.FloatOr(m["signal"], 0),
		Noise:   convert.FloatOr(m["noise"], 0),
		Bitrate: convert.FloatOr(m["bitrate"], 0),
		Clients: int(convert.IntOr(m["clients"], 0)),
		Errors:  convert.IntOr(m["errors"], 0),
	}, true
}

// Net is the net section.
type Net struct {
	RxBytes int64
	TxBytes int64
	// Losses is the node's monotonically increasing packet loss counter.
	Losses      int64
	LossesKnown bool
}

// Net decodes the net section.
func (d *Document) Net() (Net, bool) {
	m, ok := d.Raw(SectionNet)
	if !ok {
		return Net{}, false
	}
	n := Net{
		RxBytes: convert.IntOr(m["rx_bytes"], 0),
		TxBytes: convert.IntOr(m["tx_bytes"], 0),
	}
	if v, ok := m["losses"]; ok {
		n.Losses, n.LossesKnown = convert.Int(v)
	}
	return n, true
}

// DHCP is the dhcp section.
type DHCP struct {
	Leases int
	Subnet netip.Prefix
}

// DHCP decodes the dhcp section. An unparseable subnet is left invalid.
func (d *Document) DHCP() (DHCP, bool) {
	m, ok := d.Raw(SectionDHCP)
	if !ok {
		return DHCP{}, false
	}
	out := DHCP{Leases: int(convert.IntOr(m["leases"], 0))}
	if p, err := netip.ParsePrefix(convert.String(m["subnet"])); err == nil {
		out.Subnet = p.Masked()
	}
	return out, true
}

// CaptivePortal is the captive_portal section.
type CaptivePortal struct {
	Up       bool
	UpKnown  bool
	DNSWorks bool
	DNSKnown bool
	Clients  int
}

// CaptivePortal decodes the captive_portal section.
func (d *Document) CaptivePortal() (CaptivePortal, bool) {
	m, ok := d.Raw(SectionCaptivePortal)
	if !ok {
		return CaptivePortal{}, false
	}
	out := CaptivePortal{Clients: int(convert.IntOr(m["clients"], 0))}
	if v, ok := m["status"]; ok {
		out.Up, out.UpKnown = convert.Bool(v)
	}
	if v, ok := m["dns"]; ok {
		out.DNSWorks, out.DNSKnown = convert.Bool(v)
	}
	return out, true
}

// Solar is the solar section.
type Solar struct {
	BatteryVoltage float64
	Charge         float64
	State          string
}

// Solar decodes the solar section.
func (d *Document) Solar() (Solar, bool) {
	m, ok := d.Raw(SectionSolar)
	if !ok {
		return Solar{}, false
	}
	return Solar{
		BatteryVoltage: convert.FloatOr(m["battery_voltage"], 0),
		Charge:         convert.FloatOr(m["charge"], 0),
		State:          convert.String(m["state"]),
	}, true
}

// Environment decodes the environment section into sensor readings.
// Unparseable readings are dropped.
func (d *Document) Environment() (map[string]float64, bool) {
	m, ok := d.Raw(SectionEnvironment)
	if !ok {
		return nil, false
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if f, ok := convert.Float(v); ok {
			out[k] = f
		}
	}
	return out, true
}

// Client is one associated wireless client.
type Client struct {
	MAC string
	IP  string
}

// Clients decodes the clients section, keyed by MAC address.
func (d *Document) Clients() ([]Client, bool) {
	m, ok := d.Raw(SectionClients)
	if !ok {
		return nil, false
	}
	out := make([]Client, 0, len(m))
	for mac, ip := range m {
		mac = strings.ToLower(strings.TrimSpace(mac))
		if mac == "" {
			continue
		}
		out = append(out, Client{MAC: mac, IP: convert.String(ip)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out, true
}

// Packages decodes the packages section as name to version.
func (d *Document) Packages() (map[string]string, bool) {
	m, ok := d.Raw(SectionPackages)
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(m))
	for name, version := range m {
		out[name] = convert.String(version)
	}
	return out, true
}

// TrafficControl is the traffic_control section.
type TrafficControl struct {
	Enabled      bool
	DownloadKbit int64
	UploadKbit   int64
}

// TrafficControl decodes the traffic_control section.
func (d *Document) TrafficControl() (TrafficControl, bool) {
	m, ok := d.Raw(SectionTrafficControl)
	if !ok {
		return TrafficControl{}, false
	}
	return TrafficControl{
		Enabled:      convert.BoolOr(m["enabled"], false),
		DownloadKbit: convert.IntOr(m["download"], 0),
		UploadKbit:   convert.IntOr(m["upload"], 0),
	}, true
}
