package reconciler

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmon/internal/codes"
	"meshmon/internal/events"
	"meshmon/internal/pool"
	"meshmon/internal/probe"
	"meshmon/internal/processor"
	"meshmon/internal/store"
	"meshmon/internal/telemetry"
	"meshmon/internal/topology"
	"meshmon/pkg/models"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type staticTopology struct {
	snap  *topology.Snapshot
	err   error
	panic string
}

func (s *staticTopology) Fetch(ctx context.Context) (*topology.Snapshot, error) {
	if s.panic != "" {
		panic(s.panic)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.snap, nil
}

type fakeProber struct {
	mu      sync.Mutex
	replies map[string]probe.Result
	probed  map[string]bool
}

func (p *fakeProber) Probe(ctx context.Context, addrs []string, size int) (map[string]probe.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.probed == nil {
		p.probed = make(map[string]bool)
	}
	out := make(map[string]probe.Result)
	for _, a := range addrs {
		p.probed[a] = true
		if r, ok := p.replies[a]; ok {
			r.Address = a
			out[a] = r
		}
	}
	return out, nil
}

func (p *fakeProber) wasProbed(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probed[addr]
}

type docFetcher struct {
	bodies map[string]string
	panics map[string]bool
}

func (f *docFetcher) Fetch(ctx context.Context, addr string) (*telemetry.Document, error) {
	if f.panics[addr] {
		panic("telemetry decoder crashed on " + addr)
	}
	body, ok := f.bodies[addr]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return telemetry.Parse([]byte(body), baseTime)
}

type memEvents struct {
	mu   sync.Mutex
	sent []*models.Event
}

func (m *memEvents) WriteEvents(evs []*models.Event) error {
	m.mu.Lock()
	m.sent = append(m.sent, evs...)
	m.mu.Unlock()
	return nil
}

func (m *memEvents) Close() error { return nil }

type fixture struct {
	mem    *store.Memory
	topo   *staticTopology
	prober *fakeProber
	fetch  *docFetcher
	sink   *memEvents
	rec    *Reconciler
	now    time.Time
	ids    int
}

func ok() probe.Result {
	return probe.Result{Sent: 3, Received: 3, Min: 1, Avg: 2, Max: 3}
}

func newFixture(t *testing.T, poolCfg pool.Config, nodes ...models.Node) *fixture {
	t.Helper()
	f := &fixture{
		mem:    store.NewMemory(),
		topo:   &staticTopology{snap: &topology.Snapshot{}},
		prober: &fakeProber{replies: map[string]probe.Result{}},
		fetch:  &docFetcher{bodies: map[string]string{}},
		sink:   &memEvents{},
		now:    baseTime,
	}
	clock := func() time.Time { return f.now }
	emitter := events.NewEmitter(codes.NewRegistry(), events.Config{}).WithClock(clock)
	proc := processor.New(processor.Config{ReservedHosts: 2}, processor.Deps{
		Emitter: emitter,
		Fetcher: f.fetch,
		Now:     clock,
	})
	rec, err := New(Config{
		AlternateSizes: []int{500},
		OneShot:        true,
		Pool:           poolCfg,
	}, Deps{
		Store:     f.mem,
		Opener:    f.mem.Opener(),
		Topology:  f.topo,
		Prober:    f.prober,
		Processor: proc,
		Emitter:   emitter,
		Events:    f.sink,
		Now:       clock,
		NewID: func() string {
			f.ids++
			return "gen-" + string(rune('a'+f.ids-1))
		},
	})
	require.NoError(t, err)
	f.rec = rec

	f.write(t, func(tx store.Tx) {
		for i := range nodes {
			require.NoError(t, store.PutNode(tx, &nodes[i]))
		}
	})
	return f
}

func (f *fixture) write(t *testing.T, fn func(tx store.Tx)) {
	t.Helper()
	tx, err := f.mem.Begin(context.Background())
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func (f *fixture) read(t *testing.T, fn func(tx store.Tx)) {
	t.Helper()
	tx, err := f.mem.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
}

func (f *fixture) cycle(t *testing.T) *CycleResult {
	t.Helper()
	res, err := f.rec.Cycle(context.Background())
	require.NoError(t, err)
	return res
}

func (f *fixture) node(t *testing.T, id string) *models.Node {
	t.Helper()
	var n *models.Node
	f.read(t, func(tx store.Tx) {
		var err error
		n, err = store.GetNode(tx, id)
		require.NoError(t, err)
	})
	return n
}

func (f *fixture) nodeByAddr(t *testing.T, addr string) *models.Node {
	t.Helper()
	var found *models.Node
	f.read(t, func(tx store.Tx) {
		nodes, err := store.ListNodes(tx)
		require.NoError(t, err)
		for i := range nodes {
			if nodes[i].Address == addr {
				found = &nodes[i]
			}
		}
	})
	return found
}

func (f *fixture) eventCodes(t *testing.T, nodeID string) map[string]int {
	t.Helper()
	out := make(map[string]int)
	f.read(t, func(tx store.Tx) {
		evs, err := store.ListEvents(tx, nodeID)
		require.NoError(t, err)
		for _, e := range evs {
			out[e.Code]++
		}
	})
	return out
}

func (f *fixture) warningCodes(t *testing.T, nodeID string) map[string]bool {
	t.Helper()
	out := make(map[string]bool)
	f.read(t, func(tx store.Tx) {
		ws, err := store.ListWarnings(tx, nodeID)
		require.NoError(t, err)
		for _, w := range ws {
			out[w.Code] = true
		}
	})
	return out
}

func link(peers ...string) []topology.LinkInfo {
	out := make([]topology.LinkInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, topology.LinkInfo{Peer: p, LQ: 1, ILQ: 1, ETX: 1})
	}
	return out
}

func TestCycleUnknownAddressBecomesInvalid(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "n1", Address: "10.0.0.1", Name: "alpha", Status: models.StatusDown})
	f.topo.snap = &topology.Snapshot{Links: map[string][]topology.LinkInfo{"10.0.0.1": link("10.0.0.5")}}
	f.prober.replies["10.0.0.1"] = ok()
	f.prober.replies["10.0.0.5"] = ok()

	res := f.cycle(t)
	assert.Equal(t, 1, res.NewNodes)
	assert.Equal(t, 1, res.Dispatched)

	ghost := f.nodeByAddr(t, "10.0.0.5")
	require.NotNil(t, ghost)
	assert.Equal(t, models.StatusInvalid, ghost.Status)
	assert.True(t, f.warningCodes(t, ghost.ID)[codes.WarnUnregisteredNode])
	assert.Equal(t, 1, f.eventCodes(t, ghost.ID)[codes.EventUnknownNodeAppeared])
	assert.False(t, f.prober.wasProbed("10.0.0.5"))

	assert.Equal(t, models.StatusUp, f.node(t, "n1").Status)
	assert.Equal(t, 1, f.eventCodes(t, "n1")[codes.EventNodeUp])

	// The unregistered warning survives the sweep while the address stays.
	f.now = f.now.Add(time.Minute)
	f.cycle(t)
	assert.True(t, f.warningCodes(t, ghost.ID)[codes.WarnUnregisteredNode])

	f.topo.snap = &topology.Snapshot{Links: map[string][]topology.LinkInfo{"10.0.0.1": link("10.0.0.2")}}
	f.now = f.now.Add(time.Minute)
	res = f.cycle(t)
	assert.Nil(t, f.nodeByAddr(t, "10.0.0.5"))
	assert.Equal(t, 1, res.Purged)
}

func TestCycleUnreachableNodeGoesDown(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "n1", Address: "10.0.0.1", Status: models.StatusUp, FirstSeen: baseTime.Add(-time.Hour)},
		models.Node{ID: "n9", Address: "10.0.0.9", Status: models.StatusUp, FirstSeen: baseTime.Add(-time.Hour)})
	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.1": nil}}
	f.prober.replies["10.0.0.1"] = ok()
	f.prober.replies["10.0.0.9"] = ok()

	res := f.cycle(t)
	assert.Equal(t, 1, res.Dispatched)
	assert.False(t, f.prober.wasProbed("10.0.0.9"))

	n9 := f.node(t, "n9")
	assert.Equal(t, models.StatusDown, n9.Status)
	assert.False(t, n9.Visible)
	assert.Equal(t, 1, f.eventCodes(t, "n9")[codes.EventNodeDown])
	assert.Equal(t, models.StatusUp, f.node(t, "n1").Status)
}

func TestCycleSilentNodeIsVisibleNotUp(t *testing.T) {
	f := newFixture(t, pool.Config{},
		models.Node{ID: "n1", Address: "10.0.0.1", Status: models.StatusUp, FirstSeen: baseTime.Add(-time.Hour)})
	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.1": nil}}

	f.cycle(t)
	assert.Equal(t, models.StatusVisible, f.node(t, "n1").Status)
}

func TestCycleTopologyFailureChangesNothing(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "n1", Address: "10.0.0.1", Status: models.StatusUp, Visible: true})
	f.write(t, func(tx store.Tx) {
		require.NoError(t, store.PutWarning(tx, &models.Warning{ID: "w", NodeID: "n1", Code: codes.WarnDupedReplies, Source: models.SourceMonitor}))
	})
	f.topo.err = errors.New("jsoninfo: connection refused")

	_, err := f.rec.Cycle(context.Background())
	require.Error(t, err)

	n := f.node(t, "n1")
	assert.True(t, n.Visible)
	assert.Equal(t, models.StatusUp, n.Status)
	f.read(t, func(tx store.Tx) {
		w, err := store.GetWarning(tx, models.WarningKey("n1", codes.WarnDupedReplies, models.SourceMonitor))
		require.NoError(t, err)
		assert.False(t, w.Dirty)
	})
	assert.False(t, f.prober.wasProbed("10.0.0.1"))
}

func TestCycleEmptySnapshotIsRejected(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "n1", Address: "10.0.0.1", Status: models.StatusUp, Visible: true})
	f.topo.snap = nil

	res, err := f.rec.Cycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, topology.ErrUnavailable)
	require.NotNil(t, res)
	assert.True(t, f.node(t, "n1").Visible)
	assert.False(t, f.prober.wasProbed("10.0.0.1"))
}

func TestCyclePanicIsReturnedAsError(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "n1", Address: "10.0.0.1", Status: models.StatusUp, Visible: true})
	f.topo.panic = "olsrd returned garbage"

	var (
		res *CycleResult
		err error
	)
	require.NotPanics(t, func() { res, err = f.rec.Cycle(context.Background()) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "olsrd returned garbage")
	require.NotNil(t, res)

	n := f.node(t, "n1")
	assert.True(t, n.Visible)
	assert.Equal(t, models.StatusUp, n.Status)

	// The store is usable again once the source recovers.
	f.topo.panic = ""
	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.1": nil}}
	f.prober.replies["10.0.0.1"] = ok()
	f.cycle(t)
	assert.True(t, f.prober.wasProbed("10.0.0.1"))
}

func TestCycleFailedTaskKeepsWarnings(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "n1", Address: "10.0.0.1", Status: models.StatusUp, Profile: models.Profile{Kind: models.NodeTypeWireless, Wireless: &models.WirelessProfile{ESSID: "mesh"}}},
		models.Node{ID: "n2", Address: "10.0.0.2", Status: models.StatusUp})
	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.1": nil, "10.0.0.2": nil}}
	f.prober.replies["10.0.0.1"] = ok()
	f.prober.replies["10.0.0.2"] = ok()
	f.fetch.bodies["10.0.0.1"] = "wifi.essid: other\n"
	f.fetch.bodies["10.0.0.2"] = "wifi.essid: other\n"

	f.cycle(t)
	require.True(t, f.warningCodes(t, "n1")[codes.WarnESSIDMismatch])

	// n1's task rolls back; n2 completes without the mismatch.
	f.fetch.panics = map[string]bool{"10.0.0.1": true}
	f.fetch.bodies["10.0.0.2"] = "general.uptime: 10\n"
	f.now = f.now.Add(time.Minute)
	res := f.cycle(t)
	assert.Equal(t, 1, res.PhaseB.Failed)
	assert.Contains(t, res.PhaseB.Failures, "n1")
	assert.True(t, f.warningCodes(t, "n1")[codes.WarnESSIDMismatch])

	f.fetch.panics = nil
	f.fetch.bodies["10.0.0.1"] = "wifi.essid: mesh\n"
	f.now = f.now.Add(time.Minute)
	f.cycle(t)
	assert.False(t, f.warningCodes(t, "n1")[codes.WarnESSIDMismatch])
}

func TestCycleSubnetHijack(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "a", Address: "10.0.0.1", Name: "owner", Status: models.StatusUp},
		models.Node{ID: "b", Address: "10.0.0.2", Name: "intruder", Status: models.StatusUp})
	owned := netip.MustParsePrefix("10.1.2.0/27")
	f.write(t, func(tx store.Tx) {
		require.NoError(t, store.PutSubnet(tx, &models.Subnet{NodeID: "a", Prefix: owned, Allocated: true, ID: "a/" + owned.String()}))
	})
	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{
		"10.0.0.1": {"10.1.2.0/27"},
		"10.0.0.2": {"10.1.2.0/28"},
	}}

	res := f.cycle(t)
	assert.Equal(t, 1, res.Conflicts)
	assert.True(t, f.warningCodes(t, "a")[codes.WarnSubnetHijacked])
	assert.True(t, f.warningCodes(t, "b")[codes.WarnSubnetHijacked])
	assert.Equal(t, 1, f.eventCodes(t, "b")[codes.EventSubnetHijacked])

	f.read(t, func(tx store.Tx) {
		subs, err := store.NodeSubnets(tx, "b")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, models.SubnetHijacked, subs[0].Status)
	})

	// An ongoing hijack is not reported again.
	f.now = f.now.Add(2 * time.Hour)
	f.cycle(t)
	assert.Equal(t, 1, f.eventCodes(t, "b")[codes.EventSubnetHijacked])
	assert.True(t, f.warningCodes(t, "b")[codes.WarnSubnetHijacked])
}

func TestCycleSubnetVisibility(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "a", Address: "10.0.0.1", Status: models.StatusUp})
	allocated := netip.MustParsePrefix("10.2.0.0/24")
	stale := netip.MustParsePrefix("10.3.0.0/24")
	f.write(t, func(tx store.Tx) {
		require.NoError(t, store.PutSubnet(tx, &models.Subnet{ID: "a/" + allocated.String(), NodeID: "a", Prefix: allocated, Allocated: true}))
		require.NoError(t, store.PutSubnet(tx, &models.Subnet{ID: "a/" + stale.String(), NodeID: "a", Prefix: stale, Status: models.SubnetNotAllocated}))
	})
	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.1": {"10.4.0.0/24"}}}

	f.cycle(t)

	f.read(t, func(tx store.Tx) {
		subs, err := store.NodeSubnets(tx, "a")
		require.NoError(t, err)
		byPrefix := make(map[string]models.Subnet)
		for _, s := range subs {
			byPrefix[s.Prefix.String()] = s
		}
		require.Contains(t, byPrefix, "10.2.0.0/24")
		assert.Equal(t, models.SubnetNotAnnounced, byPrefix["10.2.0.0/24"].Status)
		assert.NotContains(t, byPrefix, "10.3.0.0/24")
		assert.Equal(t, models.SubnetNotAllocated, byPrefix["10.4.0.0/24"].Status)
	})
	w := f.warningCodes(t, "a")
	assert.True(t, w[codes.WarnSubnetNotAnnounced])
	assert.True(t, w[codes.WarnSubnetNotAllocated])
}

func TestPhaseAIsIdempotent(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "n1", Address: "10.0.0.1", Status: models.StatusDown},
		models.Node{ID: "n2", Address: "10.0.0.2", Status: models.StatusUp})
	f.topo.snap = &topology.Snapshot{
		Links:     map[string][]topology.LinkInfo{"10.0.0.1": link("10.0.0.2")},
		Announced: map[string][]string{"10.0.0.2": {"10.5.0.0/28"}},
	}
	f.prober.replies["10.0.0.1"] = ok()
	f.prober.replies["10.0.0.2"] = ok()

	f.cycle(t)
	snapshot := func() []models.Node {
		var nodes []models.Node
		f.read(t, func(tx store.Tx) {
			var err error
			nodes, err = store.ListNodes(tx)
			require.NoError(t, err)
		})
		return nodes
	}
	first := snapshot()
	firstEvents := f.eventCodes(t, "n1")

	f.cycle(t)
	assert.Equal(t, first, snapshot())
	assert.Equal(t, firstEvents, f.eventCodes(t, "n1"))
}

func TestCyclePooledMatchesSequential(t *testing.T) {
	seed := []models.Node{
		{ID: "n1", Address: "10.0.0.1", Status: models.StatusUp, Profile: models.Profile{Kind: models.NodeTypeWireless, Wireless: &models.WirelessProfile{ESSID: "mesh", Channel: 6}}},
		{ID: "n2", Address: "10.0.0.2", Status: models.StatusDown},
		{ID: "n3", Address: "10.0.0.3", Status: models.StatusNew},
		{ID: "n4", Address: "10.0.0.4", Status: models.StatusUp},
	}
	run := func(cfg pool.Config) (*fixture, []models.Node) {
		f := newFixture(t, cfg, seed...)
		f.topo.snap = &topology.Snapshot{Links: map[string][]topology.LinkInfo{
			"10.0.0.1": link("10.0.0.2", "10.0.0.3"),
			"10.0.0.3": link("10.0.0.4", "10.0.0.8"),
		}}
		for _, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
			f.prober.replies[addr] = ok()
		}
		f.fetch.bodies["10.0.0.1"] = "general.uptime: 100\nwifi.essid: other\nwifi.channel: 6\n"
		f.fetch.bodies["10.0.0.3"] = "general.uptime: 50\ngeneral.version: 1.2\n"
		f.cycle(t)
		var nodes []models.Node
		f.read(t, func(tx store.Tx) {
			var err error
			nodes, err = store.ListNodes(tx)
			require.NoError(t, err)
		})
		return f, nodes
	}

	pooled, pooledNodes := run(pool.Config{Enabled: true, Workers: 4})
	seq, seqNodes := run(pool.Config{Enabled: false})

	assert.Equal(t, seqNodes, pooledNodes)
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		assert.Equal(t, seq.warningCodes(t, id), pooled.warningCodes(t, id), id)
		assert.Equal(t, seq.eventCodes(t, id), pooled.eventCodes(t, id), id)
	}
	assert.True(t, pooled.warningCodes(t, "n1")[codes.WarnESSIDMismatch])
}

func TestCycleStuckRenumberIsPurged(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "r1", Address: "10.0.0.7", Status: models.StatusAwaitingRenumber})
	f.write(t, func(tx store.Tx) {
		require.NoError(t, store.PutNotice(tx, &models.RenumberNotice{NewAddress: "10.0.0.7", Created: baseTime.Add(-8 * 24 * time.Hour)}))
	})
	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.7": nil}}

	res := f.cycle(t)
	assert.Equal(t, 1, res.Purged)
	assert.Nil(t, f.nodeByAddr(t, "10.0.0.7"))
	f.read(t, func(tx store.Tx) {
		_, err := store.GetNotice(tx, "10.0.0.7")
		assert.True(t, store.IsNotFound(err))
	})
}

func TestCycleNoticeMakesNodeAwaitRenumber(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true})
	f.write(t, func(tx store.Tx) {
		require.NoError(t, store.PutNotice(tx, &models.RenumberNotice{OldAddress: "10.0.9.1", NewAddress: "10.0.0.7", NodeType: models.NodeTypeWireless, Created: baseTime.Add(-time.Hour)}))
	})
	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.7": nil}}
	f.prober.replies["10.0.0.7"] = ok()

	res := f.cycle(t)
	n := f.nodeByAddr(t, "10.0.0.7")
	require.NotNil(t, n)
	assert.Equal(t, models.StatusAwaitingRenumber, n.Status)
	assert.Equal(t, models.NodeTypeWireless, n.Profile.Kind)
	assert.Equal(t, 0, res.Dispatched)
	assert.Empty(t, f.eventCodes(t, n.ID))
}

func TestCycleNoticeRetypesInvalidNode(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "x1", Address: "10.0.0.7", Name: "10.0.0.7", Status: models.StatusInvalid, Profile: models.Profile{Kind: models.NodeTypeUnknown}})
	f.write(t, func(tx store.Tx) {
		require.NoError(t, store.PutNotice(tx, &models.RenumberNotice{OldAddress: "10.0.9.1", NewAddress: "10.0.0.7", NodeType: models.NodeTypeServer, Created: baseTime.Add(-time.Hour)}))
	})
	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.7": nil}}

	f.cycle(t)
	n := f.node(t, "x1")
	assert.Equal(t, models.StatusAwaitingRenumber, n.Status)
	assert.Equal(t, models.NodeTypeServer, n.Profile.Kind)
	assert.False(t, f.warningCodes(t, "x1")[codes.WarnUnregisteredNode])
}

func TestCycleRegisteredAddressReplacesRenumberRecord(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "r1", Address: "10.0.0.7", Status: models.StatusAwaitingRenumber},
		models.Node{ID: "n7", Address: "10.0.0.7", Status: models.StatusDown})
	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.7": nil}}
	f.prober.replies["10.0.0.7"] = ok()

	f.cycle(t)
	assert.Equal(t, "n7", f.nodeByAddr(t, "10.0.0.7").ID)
	assert.Equal(t, models.StatusUp, f.node(t, "n7").Status)
}

func TestCycleRedundancy(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "b1", Address: "10.0.0.100", Name: "border1", Status: models.StatusUp, Roles: models.Roles{BorderRouter: true}},
		models.Node{ID: "b2", Address: "10.0.0.101", Name: "border2", Status: models.StatusUp, Roles: models.Roles{VPNServer: true}},
		models.Node{ID: "c", Address: "10.0.0.1", Status: models.StatusUp, Roles: models.Roles{RequiresRedundancy: true}})
	f.topo.snap = &topology.Snapshot{Links: map[string][]topology.LinkInfo{"10.0.0.1": link("10.0.0.100", "10.0.0.101")}}

	f.cycle(t)
	assert.True(t, f.node(t, "c").HasRedundancy)
	assert.Equal(t, 1, f.eventCodes(t, "c")[codes.EventRedundancyGained])
	assert.False(t, f.warningCodes(t, "c")[codes.WarnNoRedundancy])

	f.topo.snap = &topology.Snapshot{Links: map[string][]topology.LinkInfo{"10.0.0.1": link("10.0.0.100")}}
	f.now = f.now.Add(time.Hour)
	f.cycle(t)
	assert.False(t, f.node(t, "c").HasRedundancy)
	assert.Equal(t, 1, f.eventCodes(t, "c")[codes.EventRedundancyLost])
	assert.True(t, f.warningCodes(t, "c")[codes.WarnNoRedundancy])
}

func TestCycleAdjacencyReportedOnce(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "a", Address: "10.0.0.1", Status: models.StatusUp},
		models.Node{ID: "b", Address: "10.0.0.2", Name: "bravo", Status: models.StatusUp})
	f.topo.snap = &topology.Snapshot{Links: map[string][]topology.LinkInfo{"10.0.0.1": link("10.0.0.2")}}

	f.cycle(t)
	assert.Zero(t, f.eventCodes(t, "a")[codes.EventAdjacencyEstablished])
	f.read(t, func(tx store.Tx) {
		links, err := store.ListLinks(tx)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.True(t, links[0].Visible)
	})

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(13 * time.Hour)
		f.cycle(t)
	}
	assert.Equal(t, 1, f.eventCodes(t, "a")[codes.EventAdjacencyEstablished])

	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.1": nil, "10.0.0.2": nil}}
	f.cycle(t)
	f.read(t, func(tx store.Tx) {
		links, err := store.ListLinks(tx)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.False(t, links[0].Visible)
	})
}

func TestCycleExpiresInvisibleLinks(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "a", Address: "10.0.0.1", Status: models.StatusUp},
		models.Node{ID: "b", Address: "10.0.0.2", Status: models.StatusUp})
	f.topo.snap = &topology.Snapshot{Links: map[string][]topology.LinkInfo{"10.0.0.1": link("10.0.0.2")}}
	f.cycle(t)

	countLinks := func() int {
		var n int
		f.read(t, func(tx store.Tx) {
			links, err := store.ListLinks(tx)
			require.NoError(t, err)
			n = len(links)
		})
		return n
	}
	require.Equal(t, 1, countLinks())

	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.1": nil, "10.0.0.2": nil}}
	f.now = f.now.Add(24 * time.Hour)
	f.cycle(t)
	assert.Equal(t, 1, countLinks())

	f.now = f.now.Add(7 * 24 * time.Hour)
	f.cycle(t)
	assert.Zero(t, countLinks())
}

func TestCycleDeliversEvents(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true},
		models.Node{ID: "n1", Address: "10.0.0.1", Status: models.StatusDown})
	f.topo.snap = &topology.Snapshot{Announced: map[string][]string{"10.0.0.1": nil}}
	f.prober.replies["10.0.0.1"] = ok()

	res := f.cycle(t)
	assert.Equal(t, 1, res.Delivery.Sent)
	require.Len(t, f.sink.sent, 1)
	assert.Equal(t, codes.EventNodeUp, f.sink.sent[0].Code)

	f.now = f.now.Add(time.Minute)
	res = f.cycle(t)
	assert.Zero(t, res.Delivery.Sent)
}

func TestCleanupsRunInReverse(t *testing.T) {
	var order []string
	var cl cleanups
	cl.push("first", func() error { order = append(order, "first"); return nil })
	cl.push("second", func() error { panic("boom") })
	cl.push("third", func() error { order = append(order, "third"); return errors.New("ignored") })
	cl.run()
	assert.Equal(t, []string{"third", "first"}, order)
}

func TestCycleStagesAreRecorded(t *testing.T) {
	f := newFixture(t, pool.Config{Enabled: true})
	res := f.cycle(t)
	var names []string
	for _, s := range res.Stages {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"phase_a", "phase_b", "sweep"}, names)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

type captureRecorder struct {
	samples []models.Sample
}

func (c *captureRecorder) Record(s models.Sample) { c.samples = append(c.samples, s) }

func TestRegenerateGraphs(t *testing.T) {
	f := newFixture(t, pool.Config{},
		models.Node{ID: "n1", Address: "10.0.0.1"},
		models.Node{ID: "n2", Address: "10.0.0.2"})
	rec := &captureRecorder{}

	n, err := f.rec.RegenerateGraphs(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 2*len(processor.SampleFamilies), n)
	require.Len(t, rec.samples, n)
	for _, s := range rec.samples {
		assert.Equal(t, "regenerate", s.Control)
		assert.Empty(t, s.Values)
	}
}
