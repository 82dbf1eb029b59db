package processor

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmon/internal/codes"
	"meshmon/internal/events"
	"meshmon/internal/probe"
	"meshmon/internal/store"
	"meshmon/internal/telemetry"
	"meshmon/pkg/models"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	body string
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, addr string) (*telemetry.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return telemetry.Parse([]byte(f.body), baseTime)
}

type memRecorder struct {
	mu      sync.Mutex
	samples []models.Sample
}

func (m *memRecorder) Record(s models.Sample) {
	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.mu.Unlock()
}

func (m *memRecorder) family(name string) []models.Sample {
	var out []models.Sample
	for _, s := range m.samples {
		if s.Family == name {
			out = append(out, s)
		}
	}
	return out
}

type fixture struct {
	mem      *store.Memory
	tx       store.Tx
	proc     *Processor
	fetcher  *fakeFetcher
	recorder *memRecorder
	now      time.Time
}

func newFixture(t *testing.T, node models.Node) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewMemory(), fetcher: &fakeFetcher{}, recorder: &memRecorder{}, now: baseTime}
	clock := func() time.Time { return f.now }
	emitter := events.NewEmitter(codes.NewRegistry(), events.Config{}).WithClock(clock)
	f.proc = New(Config{ReservedHosts: 2, LossThreshold: 1, PackageRefresh: time.Hour}, Deps{
		Emitter:  emitter,
		Fetcher:  f.fetcher,
		Recorder: f.recorder,
		Now:      clock,
	})
	tx, err := f.mem.Begin(context.Background())
	require.NoError(t, err)
	f.tx = tx
	require.NoError(t, store.PutNode(tx, &node))
	return f
}

func (f *fixture) process(t *testing.T, body string) *Report {
	t.Helper()
	f.fetcher.body = body
	rep, err := f.proc.Process(context.Background(), f.tx, Task{NodeID: "n1", Address: "10.0.0.1"})
	require.NoError(t, err)
	return rep
}

func (f *fixture) node(t *testing.T) *models.Node {
	t.Helper()
	n, err := store.GetNode(f.tx, "n1")
	require.NoError(t, err)
	return n
}

func (f *fixture) eventCodes(t *testing.T) map[string]int {
	t.Helper()
	evs, err := store.ListEvents(f.tx, "n1")
	require.NoError(t, err)
	out := map[string]int{}
	for _, e := range evs {
		out[e.Code] += e.Counter
	}
	return out
}

func (f *fixture) warningCodes(t *testing.T) map[string]bool {
	t.Helper()
	ws, err := store.ListWarnings(f.tx, "n1")
	require.NoError(t, err)
	out := map[string]bool{}
	for _, w := range ws {
		out[w.Code] = true
	}
	return out
}

func TestApplyProbeDownNodeComesUp(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Address: "10.0.0.1", Status: models.StatusDown, Visible: true})
	node := f.node(t)

	tr, err := f.proc.ApplyProbe(f.tx, node, probe.Result{Address: "10.0.0.1", Sent: 4, Received: 4}, true)
	require.NoError(t, err)

	assert.True(t, tr.NodeUp)
	assert.Equal(t, models.StatusUp, node.Status)
	assert.Equal(t, baseTime, node.FirstSeen)
	assert.Equal(t, baseTime, node.UpSince)
	assert.Equal(t, 1, f.eventCodes(t)[codes.EventNodeUp])
}

func TestApplyProbeKeepsFirstSeen(t *testing.T) {
	first := baseTime.Add(-48 * time.Hour)
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusDown, FirstSeen: first})
	node := f.node(t)

	_, err := f.proc.ApplyProbe(f.tx, node, probe.Result{Sent: 4, Received: 4}, true)
	require.NoError(t, err)
	assert.Equal(t, first, node.FirstSeen)
}

func TestUptimeCreditAccumulatesWhileUp(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp, UpSince: baseTime.Add(-5 * time.Minute), FirstSeen: baseTime})
	node := f.node(t)

	_, err := f.proc.ApplyProbe(f.tx, node, probe.Result{Sent: 4, Received: 4}, true)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, node.UptimeSoFar)
	assert.Empty(t, f.eventCodes(t))

	f.now = baseTime.Add(5 * time.Minute)
	tr, err := f.proc.ApplyProbe(f.tx, node, probe.Result{}, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusVisible, tr.To)
	assert.True(t, node.UpSince.IsZero())
	assert.Equal(t, 5*time.Minute, node.UptimeSoFar)
}

func TestApplyProbeDuplicates(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp, FirstSeen: baseTime})
	node := f.node(t)

	tr, err := f.proc.ApplyProbe(f.tx, node, probe.Result{Sent: 4, Received: 6, Duplicated: true}, true)
	require.NoError(t, err)
	assert.True(t, tr.DupedEntered)
	assert.Equal(t, models.StatusDuped, node.Status)
	assert.Equal(t, 1, f.eventCodes(t)[codes.EventNodeDuped])
	assert.True(t, f.warningCodes(t)[codes.WarnDupedReplies])
}

func TestApplyUnreachable(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp, UpSince: baseTime})
	node := f.node(t)

	tr, err := f.proc.ApplyUnreachable(f.tx, node)
	require.NoError(t, err)
	assert.True(t, tr.NodeDown)
	assert.Equal(t, models.StatusDown, node.Status)
	assert.True(t, node.UpSince.IsZero())
	assert.Equal(t, 1, f.eventCodes(t)[codes.EventNodeDown])
}

func TestProcessUptimeRegressionYieldsOneEvent(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp, ReportedUptime: 90000, TelemetrySeen: baseTime.Add(-5 * time.Minute)})
	f.proc.sections = append(f.proc.sections, section{name: "general_again", requires: telemetry.SectionGeneral, apply: applyGeneral})

	f.process(t, "general.uptime: 120\ngeneral.loadavg: 0.5\n")

	node := f.node(t)
	assert.Equal(t, 1, f.eventCodes(t)[codes.EventUptimeReset])
	assert.Equal(t, 1, node.RebootCount)
	assert.True(t, node.RebootMode)
	assert.Equal(t, int64(120), node.ReportedUptime)
	load := f.recorder.family("load")
	require.NotEmpty(t, load)
	assert.True(t, load[0].Reboot)

	f.now = baseTime.Add(5 * time.Minute)
	f.process(t, "general.uptime: 420\n")
	node = f.node(t)
	assert.False(t, node.RebootMode)
	assert.Equal(t, 1, node.RebootCount)
}

func TestProcessAddressExhaustion(t *testing.T) {
	for _, tc := range []struct {
		clients   string
		exhausted bool
	}{
		{clients: "5", exhausted: false},
		{clients: "7", exhausted: true},
	} {
		t.Run(tc.clients, func(t *testing.T) {
			f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp})
			require.NoError(t, store.PutSubnet(f.tx, &models.Subnet{
				ID: "n1/10.9.0.0/29", NodeID: "n1", Prefix: netip.MustParsePrefix("10.9.0.0/29"),
				Kind: models.SubnetKindWifi, Allocated: true, Visible: true, Status: models.SubnetAnnouncedOk,
			}))

			f.process(t, "wifi.clients: "+tc.clients+"\n")

			assert.Equal(t, tc.exhausted, f.warningCodes(t)[codes.WarnAddressExhausted])
			assert.Equal(t, tc.exhausted, f.eventCodes(t)[codes.EventAddressExhausted] == 1)
		})
	}
}

func TestProcessIdentityChecksAreIndependent(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp, Profile: models.Profile{
		Kind:     models.NodeTypeWireless,
		UUID:     "a1b2",
		Wireless: &models.WirelessProfile{ESSID: "mesh", BSSID: "02:ca:ff:ee:ba:be", Channel: 8},
		Shaping:  &models.ShapingPolicy{DownloadKbit: 2048, UploadKbit: 512},
	}})

	f.process(t, `general.uuid: ffff
wifi.essid: other
wifi.bssid: 02:00:00:00:00:01
wifi.channel: 11
traffic_control.enabled: 1
traffic_control.download: 1024
traffic_control.upload: 512
`)

	ws := f.warningCodes(t)
	assert.True(t, ws[codes.WarnUUIDMismatch])
	assert.True(t, ws[codes.WarnESSIDMismatch])
	assert.True(t, ws[codes.WarnBSSIDMismatch])
	assert.True(t, ws[codes.WarnChannelMismatch])
	assert.True(t, ws[codes.WarnShapingMismatch])
}

func TestProcessMatchingIdentityRaisesNothing(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp, Profile: models.Profile{
		Kind:     models.NodeTypeWireless,
		Wireless: &models.WirelessProfile{ESSID: "mesh", BSSID: "02:CA:FF:EE:BA:BE", Channel: 8},
	}})

	f.process(t, "wifi.essid: mesh\nwifi.bssid: 02:ca:ff:ee:ba:be\nwifi.channel: 8\n")
	assert.Empty(t, f.warningCodes(t))
}

func TestProcessSectionPanicIsIsolated(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp, Firmware: "2.0"})
	f.proc.sections = append([]section{{name: "broken", apply: func(r *run) error { panic("bad section") }}}, f.proc.sections...)

	rep := f.process(t, "general.version: 2.1\n")

	assert.Equal(t, []string{"broken"}, rep.Failed)
	node := f.node(t)
	assert.Equal(t, "2.1", node.Firmware)
	assert.Equal(t, models.StatusUp, node.Status)
	assert.True(t, f.warningCodes(t)[codes.WarnTelemetryError])
	assert.Equal(t, 1, f.eventCodes(t)[codes.EventFirmwareChanged])
}

func TestProcessClientsAreKeptWhenVanished(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp})

	f.process(t, "clients.aa:bb:cc:dd:ee:01: 10.9.0.2\nclients.aa:bb:cc:dd:ee:02: 10.9.0.3\n")
	assert.Equal(t, 2, f.node(t).ClientsSoFar)

	f.now = baseTime.Add(5 * time.Minute)
	f.process(t, "clients.aa:bb:cc:dd:ee:02: 10.9.0.3\nclients.aa:bb:cc:dd:ee:03: 10.9.0.4\n")
	assert.Equal(t, 3, f.node(t).ClientsSoFar)

	clients, err := store.ListClients(f.tx, "n1")
	require.NoError(t, err)
	require.Len(t, clients, 3)
	for _, c := range clients {
		if c.MAC == "aa:bb:cc:dd:ee:01" {
			assert.Equal(t, baseTime, c.LastSeen)
		}
	}
}

func TestProcessPackagesRespectRefreshInterval(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp})

	f.process(t, "packages.olsrd: 0.9.8\npackages.uhttpd: 2023\n")
	pkgs, err := store.ListPackages(f.tx, "n1")
	require.NoError(t, err)
	assert.Len(t, pkgs, 2)

	f.now = baseTime.Add(10 * time.Minute)
	f.process(t, "packages.olsrd: 0.9.9\n")
	pkgs, err = store.ListPackages(f.tx, "n1")
	require.NoError(t, err)
	assert.Len(t, pkgs, 2)

	f.now = baseTime.Add(61 * time.Minute)
	f.process(t, "packages.olsrd: 0.9.9\n")
	pkgs, err = store.ListPackages(f.tx, "n1")
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "0.9.9", pkgs[0].Version)
}

func TestProcessHealthFlips(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp})

	f.process(t, "captive_portal.status: up\ncaptive_portal.dns: ok\n")
	assert.Empty(t, f.eventCodes(t))

	f.process(t, "captive_portal.status: down\ncaptive_portal.dns: ok\n")
	assert.Equal(t, 1, f.eventCodes(t)[codes.EventCaptivePortalFlip])
	assert.True(t, f.warningCodes(t)[codes.WarnCaptivePortalDown])
	assert.Equal(t, models.HealthFailed, f.node(t).CaptivePortal)
	assert.Equal(t, models.HealthOK, f.node(t).DNSWorks)
}

func TestProcessLossCounter(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp})

	f.process(t, "net.losses: 10\n")
	assert.Empty(t, f.eventCodes(t))

	f.process(t, "net.losses: 11\n")
	assert.Empty(t, f.eventCodes(t))

	f.process(t, "net.losses: 15\n")
	assert.Equal(t, 1, f.eventCodes(t)[codes.EventLossIncreased])
}

func TestProcessWithoutTelemetry(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1", Status: models.StatusUp})
	f.fetcher.err = errors.New("connection refused")

	rep, err := f.proc.Process(context.Background(), f.tx, Task{
		NodeID:      "n1",
		Probe:       &probe.Result{Min: 1, Avg: 2, Max: 3},
		LossProfile: map[int]float64{500: 0, 1480: 25},
	})
	require.NoError(t, err)
	assert.False(t, rep.Telemetry)
	assert.Equal(t, 2, rep.Samples)

	loss := f.recorder.family("loss_by_size")
	require.Len(t, loss, 1)
	assert.Equal(t, 25.0, loss[0].Values["size_1480"])
	assert.True(t, f.node(t).TelemetrySeen.IsZero())
}

func TestProcessUnknownNode(t *testing.T) {
	f := newFixture(t, models.Node{ID: "n1"})
	_, err := f.proc.Process(context.Background(), f.tx, Task{NodeID: "missing"})
	assert.Error(t, err)
}
