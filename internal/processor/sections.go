package processor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"meshmon/internal/codes"
	"meshmon/internal/store"
	"meshmon/internal/subnets"
	"meshmon/internal/telemetry"
	"meshmon/pkg/models"
)

// section interprets one part of a telemetry document. requires names the
// section that must be present; an empty value means the step always runs.
type section struct {
	name     string
	requires telemetry.Section
	apply    func(r *run) error
}

func defaultSections() []section {
	return []section{
		{name: "general", requires: telemetry.SectionGeneral, apply: applyGeneral},
		{name: "wifi", requires: telemetry.SectionWifi, apply: applyWifi},
		{name: "net", requires: telemetry.SectionNet, apply: applyNet},
		{name: "dhcp", requires: telemetry.SectionDHCP, apply: applyDHCP},
		{name: "captive_portal", requires: telemetry.SectionCaptivePortal, apply: applyCaptivePortal},
		{name: "solar", requires: telemetry.SectionSolar, apply: applySolar},
		{name: "environment", requires: telemetry.SectionEnvironment, apply: applyEnvironment},
		{name: "clients", requires: telemetry.SectionClients, apply: applyClients},
		{name: "packages", requires: telemetry.SectionPackages, apply: applyPackages},
		{name: "traffic_control", apply: applyTrafficControl},
		{name: "address_space", apply: applyAddressSpace},
		{name: "rules", apply: applyRules},
	}
}

func applyGeneral(r *run) error {
	g, ok := r.doc.General()
	if !ok {
		return nil
	}
	var errs []error
	node := r.node

	if want := node.Profile.UUID; want != "" && g.UUID != "" && !strings.EqualFold(want, g.UUID) {
		errs = append(errs, r.warn(codes.WarnUUIDMismatch, map[string]string{"reported": g.UUID, "expected": want}))
	}

	if g.Firmware != "" {
		if node.Firmware != "" && node.Firmware != g.Firmware {
			errs = append(errs, r.event(codes.EventFirmwareChanged, map[string]string{"old": node.Firmware, "new": g.Firmware}))
		}
		node.Firmware = g.Firmware
	}

	if g.UptimeKnown {
		errs = append(errs, r.checkUptime(g.Uptime))
	}

	r.record("uptime", presentValues(g.UptimeKnown, "seconds", float64(g.Uptime)))
	r.record("load", map[string]float64{"loadavg": g.LoadAvg})
	r.record("memory", map[string]float64{"free": float64(g.MemFree)})
	return errors.Join(errs...)
}

// checkUptime detects a reboot from a regressing uptime counter. It acts at
// most once per Process call.
func (r *run) checkUptime(uptime int64) error {
	if r.rebootChecked {
		return nil
	}
	r.rebootChecked = true

	node := r.node
	prev := node.ReportedUptime
	node.ReportedUptime = uptime
	if prev > 0 && uptime < prev {
		node.RebootCount++
		node.RebootMode = true
		return r.event(codes.EventUptimeReset, map[string]string{
			"old": strconv.FormatInt(prev, 10),
			"new": strconv.FormatInt(uptime, 10),
		})
	}
	node.RebootMode = false
	return nil
}

func applyWifi(r *run) error {
	w, ok := r.doc.Wifi()
	if !ok {
		return nil
	}
	var errs []error
	node := r.node

	if node.Profile.Kind == models.NodeTypeWireless && node.Profile.Wireless != nil {
		want := node.Profile.Wireless
		if want.ESSID != "" && w.ESSID != "" && want.ESSID != w.ESSID {
			errs = append(errs, r.warn(codes.WarnESSIDMismatch, map[string]string{"reported": w.ESSID, "expected": want.ESSID}))
		}
		if want.BSSID != "" && w.BSSID != "" && !strings.EqualFold(want.BSSID, w.BSSID) {
			errs = append(errs, r.warn(codes.WarnBSSIDMismatch, map[string]string{"reported": w.BSSID, "expected": want.BSSID}))
		}
		if want.Channel != 0 && w.Channel != 0 && want.Channel != w.Channel {
			errs = append(errs, r.warn(codes.WarnChannelMismatch, map[string]string{
				"reported": strconv.Itoa(w.Channel),
				"expected": strconv.Itoa(want.Channel),
			}))
		}
	}

	if w.Channel != 0 {
		if node.Channel != 0 && node.Channel != w.Channel {
			errs = append(errs, r.event(codes.EventChannelChanged, map[string]string{
				"old": strconv.Itoa(node.Channel),
				"new": strconv.Itoa(w.Channel),
			}))
		}
		node.Channel = w.Channel
	}

	r.record("wifi", map[string]float64{
		"signal":  w.Signal,
		"noise":   w.Noise,
		"bitrate": w.Bitrate,
		"errors":  float64(w.Errors),
	})
	r.record("clients", map[string]float64{"count": float64(w.Clients)})
	return errors.Join(errs...)
}

func applyNet(r *run) error {
	n, ok := r.doc.Net()
	if !ok {
		return nil
	}
	var err error
	node := r.node
	if n.LossesKnown {
		if !node.TelemetrySeen.IsZero() {
			delta := n.Losses - node.LossCount
			if delta > r.p.cfg.LossThreshold {
				err = r.event(codes.EventLossIncreased, map[string]string{"delta": strconv.FormatInt(delta, 10)})
			}
		}
		node.LossCount = n.Losses
	}
	r.record("traffic", map[string]float64{"rx_bytes": float64(n.RxBytes), "tx_bytes": float64(n.TxBytes)})
	return err
}

func applyDHCP(r *run) error {
	d, ok := r.doc.DHCP()
	if !ok {
		return nil
	}
	r.record("dhcp", map[string]float64{"leases": float64(d.Leases)})
	return nil
}

func applyCaptivePortal(r *run) error {
	cp, ok := r.doc.CaptivePortal()
	if !ok {
		return nil
	}
	var errs []error
	if cp.UpKnown {
		errs = append(errs, r.flipHealth(&r.node.CaptivePortal, cp.Up, codes.EventCaptivePortalFlip, codes.WarnCaptivePortalDown))
	}
	if cp.DNSKnown {
		errs = append(errs, r.flipHealth(&r.node.DNSWorks, cp.DNSWorks, codes.EventDNSFlip, codes.WarnDNSFailure))
	}
	r.record("captive_portal", map[string]float64{"clients": float64(cp.Clients)})
	return errors.Join(errs...)
}

// flipHealth stores a health flag, raising an event when it changed and a
// warning while it is failing.
func (r *run) flipHealth(field *models.Health, healthy bool, eventCode, warnCode string) error {
	next := models.HealthFailed
	state := "down"
	if healthy {
		next = models.HealthOK
		state = "up"
	}
	var errs []error
	if *field != models.HealthUnknown && *field != next {
		errs = append(errs, r.event(eventCode, map[string]string{"state": state}))
	}
	*field = next
	if !healthy {
		errs = append(errs, r.warn(warnCode, nil))
	}
	return errors.Join(errs...)
}

func applySolar(r *run) error {
	s, ok := r.doc.Solar()
	if !ok {
		return nil
	}
	r.record("solar", map[string]float64{"battery_voltage": s.BatteryVoltage, "charge": s.Charge})
	return nil
}

func applyEnvironment(r *run) error {
	env, ok := r.doc.Environment()
	if !ok {
		return nil
	}
	r.record("environment", env)
	return nil
}

// applyClients records newly associated clients. Clients missing from this
// report are left in place for the sweep to expire.
func applyClients(r *run) error {
	reported, ok := r.doc.Clients()
	if !ok {
		return nil
	}
	existing, err := store.ListClients(r.tx, r.node.ID)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	known := make(map[string]models.APClient, len(existing))
	for _, c := range existing {
		known[c.MAC] = c
	}

	for _, rc := range reported {
		c, seen := known[rc.MAC]
		if !seen {
			c = models.APClient{NodeID: r.node.ID, MAC: rc.MAC, FirstSeen: r.now}
			r.node.ClientsSoFar++
		}
		c.LastSeen = r.now
		if rc.IP != "" {
			c.IP = rc.IP
		}
		if err := store.PutClient(r.tx, &c); err != nil {
			return fmt.Errorf("save client %s: %w", rc.MAC, err)
		}
	}
	return nil
}

// applyPackages refreshes the software inventory at most once per refresh
// interval.
func applyPackages(r *run) error {
	node := r.node
	if !node.PackagesCheckedAt.IsZero() && r.now.Sub(node.PackagesCheckedAt) < r.p.cfg.PackageRefresh {
		return nil
	}
	reported, ok := r.doc.Packages()
	if !ok {
		return nil
	}
	existing, err := store.ListPackages(r.tx, node.ID)
	if err != nil {
		return fmt.Errorf("list packages: %w", err)
	}
	for i := range existing {
		if _, still := reported[existing[i].Name]; still {
			continue
		}
		if err := store.DeletePackage(r.tx, &existing[i]); err != nil {
			return fmt.Errorf("delete package %s: %w", existing[i].Name, err)
		}
	}
	for name, version := range reported {
		pkg := models.InstalledPackage{NodeID: node.ID, Name: name, Version: version, LastSeen: r.now}
		if err := store.PutPackage(r.tx, &pkg); err != nil {
			return fmt.Errorf("save package %s: %w", name, err)
		}
	}
	node.PackagesCheckedAt = r.now
	return nil
}

// applyTrafficControl compares reported shaping with the node's policy. A
// missing section counts as unshaped.
func applyTrafficControl(r *run) error {
	policy := r.node.Profile.Shaping
	tc, reported := r.doc.TrafficControl()
	if policy == nil && !reported {
		return nil
	}

	var wantDown, wantUp int64
	if policy != nil {
		wantDown, wantUp = int64(policy.DownloadKbit), int64(policy.UploadKbit)
	}
	var gotDown, gotUp int64
	if tc.Enabled {
		gotDown, gotUp = tc.DownloadKbit, tc.UploadKbit
	}
	if gotDown == wantDown && gotUp == wantUp {
		return nil
	}
	return r.warn(codes.WarnShapingMismatch, map[string]string{
		"reported": shapingLabel(gotDown, gotUp),
		"expected": shapingLabel(wantDown, wantUp),
	})
}

func shapingLabel(down, up int64) string {
	if down == 0 && up == 0 {
		return "unlimited"
	}
	return strconv.FormatInt(down, 10) + "/" + strconv.FormatInt(up, 10) + " kbit"
}

// applyAddressSpace checks the client count against the node's wifi subnet.
func applyAddressSpace(r *run) error {
	count, known := r.clientCount()
	if !known {
		return nil
	}

	own, err := store.NodeSubnets(r.tx, r.node.ID)
	if err != nil {
		return fmt.Errorf("list subnets: %w", err)
	}
	var subnet models.Subnet
	found := false
	for _, s := range own {
		if s.Allocated && s.Kind == models.SubnetKindWifi && s.Prefix.IsValid() {
			subnet, found = s, true
			break
		}
	}
	if !found {
		if d, ok := r.doc.DHCP(); ok && d.Subnet.IsValid() {
			subnet, found = models.Subnet{Prefix: d.Subnet}, true
		}
	}
	if !found {
		return nil
	}

	usable := subnets.UsableHosts(subnet.Prefix, r.p.cfg.ReservedHosts)
	if count <= usable {
		return nil
	}
	data := map[string]string{
		"subnet":  subnet.Prefix.String(),
		"clients": strconv.Itoa(count),
		"usable":  strconv.Itoa(usable),
	}
	return errors.Join(
		r.warn(codes.WarnAddressExhausted, data),
		r.event(codes.EventAddressExhausted, map[string]string{"subnet": subnet.Prefix.String()}),
	)
}

// clientCount is the largest client or lease count any section reported.
func (r *run) clientCount() (int, bool) {
	count, known := 0, false
	if w, ok := r.doc.Wifi(); ok {
		count, known = max(count, w.Clients), true
	}
	if d, ok := r.doc.DHCP(); ok {
		count, known = max(count, d.Leases), true
	}
	if cs, ok := r.doc.Clients(); ok {
		count, known = max(count, len(cs)), true
	}
	return count, known
}

func applyRules(r *run) error {
	var errs []error
	for _, m := range r.p.rules.Apply(r.doc) {
		err := r.p.warn(r.tx, r.node.ID, codes.WarnTelemetryRule, models.SourceRules+":"+m.ID, map[string]string{"rule": m.Title})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func presentValues(ok bool, key string, v float64) map[string]float64 {
	if !ok {
		return nil
	}
	return map[string]float64{key: v}
}
