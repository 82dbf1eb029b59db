// Package simulate generates a synthetic mesh for stress runs: a topology
// source, a prober and a telemetry fetcher that all describe the same
// network.
package simulate

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"meshmon/internal/probe"
	"meshmon/internal/store"
	"meshmon/internal/subnets"
	"meshmon/internal/telemetry"
	"meshmon/internal/topology"
	"meshmon/pkg/models"
)

// Config shapes the synthetic network.
type Config struct {
	Nodes int
	Seed  int64
	// Unknown is the number of unregistered addresses that show up in the
	// topology.
	Unknown int
	// SilentRatio is the share of nodes that never answer probes.
	SilentRatio float64
	// ExtraLinks is the number of random links added on top of the chain.
	ExtraLinks int
}

type simNode struct {
	node   models.Node
	subnet netip.Prefix
	silent bool
	uptime int64
	rx     int64
}

// Network is a synthetic mesh.
type Network struct {
	cfg   Config
	mu    sync.Mutex
	rnd   *rand.Rand
	nodes []*simNode
	byIP  map[string]*simNode
	links map[string][]topology.LinkInfo
}

// New generates a network from cfg.
func New(cfg Config) *Network {
	if cfg.Nodes <= 0 {
		cfg.Nodes = 100
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	n := &Network{
		cfg:   cfg,
		rnd:   rand.New(rand.NewSource(cfg.Seed)),
		byIP:  make(map[string]*simNode),
		links: make(map[string][]topology.LinkInfo),
	}

	for i := 0; i < cfg.Nodes; i++ {
		addr := fmt.Sprintf("10.%d.%d.1", 100+i/250, i%250)
		s := &simNode{
			node: models.Node{
				ID:      fmt.Sprintf("sim-%04d", i),
				Address: addr,
				Name:    fmt.Sprintf("sim%d", i),
				Status:  models.StatusNew,
				Profile: models.Profile{
					Kind:     models.NodeTypeWireless,
					Wireless: &models.WirelessProfile{ESSID: "mesh", Channel: 1 + 5*(i%3)},
				},
			},
			subnet: netip.PrefixFrom(netip.AddrFrom4([4]byte{10, 200, byte(i / 8), byte(i%8) * 32}), 27),
			silent: n.rnd.Float64() < cfg.SilentRatio,
			uptime: int64(n.rnd.Intn(86400)),
		}
		if i < 2 {
			s.node.Roles.BorderRouter = true
		}
		n.nodes = append(n.nodes, s)
		n.byIP[addr] = s
	}

	for i := 1; i < len(n.nodes); i++ {
		n.addLink(n.nodes[i].node.Address, n.nodes[n.rnd.Intn(i)].node.Address)
	}
	for i := 0; i < cfg.ExtraLinks && len(n.nodes) > 1; i++ {
		a, b := n.nodes[n.rnd.Intn(len(n.nodes))], n.nodes[n.rnd.Intn(len(n.nodes))]
		if a != b {
			n.addLink(a.node.Address, b.node.Address)
		}
	}
	for i := 0; i < cfg.Unknown && len(n.nodes) > 0; i++ {
		n.addLink(fmt.Sprintf("10.99.0.%d", i+1), n.nodes[n.rnd.Intn(len(n.nodes))].node.Address)
	}
	return n
}

func (n *Network) addLink(a, b string) {
	lq := 0.5 + n.rnd.Float64()/2
	n.links[a] = append(n.links[a], topology.LinkInfo{Peer: b, LQ: lq, ILQ: lq, ETX: 1 / (lq * lq), VTime: 30 * time.Second})
}

// Seed registers every simulated node and its allocated subnet.
func (n *Network) Seed(ctx context.Context, st store.Store) error {
	tx, err := st.Begin(ctx)
	if err != nil {
		return err
	}
	for _, s := range n.nodes {
		node := s.node
		if err := store.PutNode(tx, &node); err != nil {
			_ = tx.Rollback()
			return err
		}
		sub := models.Subnet{
			ID:        subnets.ID(node.ID, s.subnet),
			NodeID:    node.ID,
			Prefix:    s.subnet,
			Kind:      models.SubnetKindWifi,
			Allocated: true,
		}
		if err := store.PutSubnet(tx, &sub); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Nodes returns the registered node records.
func (n *Network) Nodes() []models.Node {
	out := make([]models.Node, 0, len(n.nodes))
	for _, s := range n.nodes {
		out = append(out, s.node)
	}
	return out
}

// Topology returns a source reporting the simulated links and announced
// subnets.
func (n *Network) Topology() topology.Source { return topologySource{n} }

// Prober returns a prober answering for every non-silent node.
func (n *Network) Prober() probe.Prober { return prober{n} }

// Telemetry returns a fetcher producing a fresh document per call.
func (n *Network) Telemetry() telemetry.Fetcher { return fetcher{n} }

type topologySource struct{ n *Network }

func (t topologySource) Fetch(ctx context.Context) (*topology.Snapshot, error) {
	n := t.n
	n.mu.Lock()
	defer n.mu.Unlock()
	snap := &topology.Snapshot{
		FetchedAt: time.Now(),
		Links:     make(map[string][]topology.LinkInfo, len(n.links)),
		Announced: make(map[string][]string, len(n.nodes)),
	}
	for addr, links := range n.links {
		snap.Links[addr] = append([]topology.LinkInfo(nil), links...)
	}
	for _, s := range n.nodes {
		snap.Announced[s.node.Address] = []string{s.subnet.String()}
	}
	return snap, nil
}

type prober struct{ n *Network }

func (p prober) Probe(ctx context.Context, addrs []string, size int) (map[string]probe.Result, error) {
	n := p.n
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]probe.Result)
	for _, addr := range addrs {
		s := n.byIP[addr]
		if s == nil || s.silent {
			continue
		}
		base := 1 + n.rnd.Float64()*20 + float64(size)/200
		out[addr] = probe.Result{
			Address:  addr,
			Sent:     3,
			Received: 3,
			Min:      base,
			Avg:      base * 1.2,
			Max:      base * 1.5,
		}
	}
	return out, nil
}

type fetcher struct{ n *Network }

func (f fetcher) Fetch(ctx context.Context, addr string) (*telemetry.Document, error) {
	n := f.n
	n.mu.Lock()
	s := n.byIP[addr]
	if s == nil || s.silent {
		n.mu.Unlock()
		return nil, fmt.Errorf("simulated node %s does not answer", addr)
	}
	s.uptime += 300
	s.rx += int64(n.rnd.Intn(1 << 20))
	clients := n.rnd.Intn(8)
	body := n.document(s, clients)
	n.mu.Unlock()
	return telemetry.Parse([]byte(body), time.Now())
}

func (n *Network) document(s *simNode, clients int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "general.uuid: %s\n", s.node.ID)
	fmt.Fprintf(&b, "general.version: 2.%d\n", len(s.node.ID)%3)
	fmt.Fprintf(&b, "general.uptime: %d\n", s.uptime)
	fmt.Fprintf(&b, "general.loadavg: %.2f\n", n.rnd.Float64())
	fmt.Fprintf(&b, "general.memfree: %d\n", 8000+n.rnd.Intn(4000))
	fmt.Fprintf(&b, "wifi.essid: mesh\n")
	fmt.Fprintf(&b, "wifi.channel: %d\n", s.node.Profile.Wireless.Channel)
	fmt.Fprintf(&b, "wifi.signal: %d\n", -40-n.rnd.Intn(40))
	fmt.Fprintf(&b, "wifi.noise: -95\n")
	fmt.Fprintf(&b, "wifi.clients: %d\n", clients)
	fmt.Fprintf(&b, "net.rx_bytes: %d\n", s.rx)
	fmt.Fprintf(&b, "net.tx_bytes: %d\n", s.rx/3)
	fmt.Fprintf(&b, "dhcp.leases: %d\n", clients)
	fmt.Fprintf(&b, "dhcp.subnet: %s\n", s.subnet)

	macs := make([]string, 0, clients)
	for i := 0; i < clients; i++ {
		macs = append(macs, fmt.Sprintf("02:00:00:%02x:%02x:%02x", s.subnet.Addr().As4()[2], s.subnet.Addr().As4()[3], i))
	}
	sort.Strings(macs)
	base := s.subnet.Addr().As4()
	for i, mac := range macs {
		fmt.Fprintf(&b, "clients.%s: %d.%d.%d.%d\n", mac, base[0], base[1], base[2], int(base[3])+2+i)
	}
	return b.String()
}
