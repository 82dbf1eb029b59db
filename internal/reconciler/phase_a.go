package reconciler

import (
	"context"
	"fmt"
	"net/netip"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"meshmon/internal/codes"
	"meshmon/internal/logger"
	"meshmon/internal/metrics"
	"meshmon/internal/nodestate"
	"meshmon/internal/probe"
	"meshmon/internal/processor"
	"meshmon/internal/store"
	"meshmon/internal/subnets"
	"meshmon/internal/topology"
	"meshmon/pkg/models"
)

// dispatchPlan is what the single-threaded phase hands to the pool.
type dispatchPlan struct {
	tasks []processor.Task
}

// phaseState is the working set of the single-threaded phase.
type phaseState struct {
	tx     store.Tx
	now    time.Time
	snap   *topology.Snapshot
	res    *CycleResult
	nodes  map[string]*models.Node
	byAddr map[string]*models.Node
}

func (s *phaseState) sortedNodes() []*models.Node {
	out := make([]*models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *phaseState) drop(n *models.Node) {
	delete(s.nodes, n.ID)
	if s.byAddr[n.Address] == n {
		delete(s.byAddr, n.Address)
	}
}

// phaseA resolves the snapshot against the registry and commits before
// any per-node task starts.
func (r *Reconciler) phaseA(ctx context.Context, res *CycleResult, cl *cleanups) (*dispatchPlan, error) {
	tx, err := r.deps.Store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin phase A: %w", err)
	}
	committed := false
	cl.push("phase_a_tx", func() error {
		if committed {
			return nil
		}
		return tx.Rollback()
	})

	st := &phaseState{tx: tx, now: r.now(), res: res}

	if err := r.resetVisibility(st); err != nil {
		return nil, err
	}
	if _, err := r.expireTransient(tx, st.now); err != nil {
		return nil, err
	}

	snap, err := r.deps.Topology.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch topology: %w", err)
	}
	if snap == nil {
		return nil, fmt.Errorf("fetch topology: %w: empty snapshot", topology.ErrUnavailable)
	}
	st.snap = snap

	if err := r.resolveNodes(st); err != nil {
		return nil, err
	}
	dispatch := r.settleNodes(st)
	bulk := r.runProbes(ctx, dispatch, res)
	r.applyProbes(st, dispatch, bulk)
	r.updateLinks(st)
	r.updateRedundancy(st)
	if err := r.classifySubnets(st); err != nil {
		return nil, err
	}

	for _, n := range st.sortedNodes() {
		if err := store.PutNode(tx, n); err != nil {
			return nil, fmt.Errorf("save node %s: %w", n.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit phase A: %w", err)
	}
	committed = true
	res.Nodes = len(st.nodes)

	plan := &dispatchPlan{}
	for _, n := range dispatch {
		if _, ok := st.nodes[n.ID]; !ok {
			continue
		}
		t := processor.Task{NodeID: n.ID, Address: n.Address}
		if bulk != nil {
			if pr, ok := bulk.Lookup(n.Address); ok {
				t.Probe = &pr
			}
			t.LossProfile = bulk.LossProfile(n.Address)
		}
		plan.tasks = append(plan.tasks, t)
	}
	res.Dispatched = len(plan.tasks)
	return plan, nil
}

// isolate runs a per-node step, logging failures instead of propagating
// them.
func isolate(nodeID, step string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("%s for node %s panicked: %v\n%s", step, nodeID, rec, debug.Stack())
		}
	}()
	if err := fn(); err != nil {
		logger.Errorf("%s for node %s failed: %v", step, nodeID, err)
	}
}

// resetVisibility loads the registry and clears every per-cycle flag.
func (r *Reconciler) resetVisibility(st *phaseState) error {
	nodes, err := store.ListNodes(st.tx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	st.nodes = make(map[string]*models.Node, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		n.Visible = false
		st.nodes[n.ID] = n
	}

	links, err := store.ListLinks(st.tx)
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}
	for i := range links {
		if !links[i].Visible {
			continue
		}
		links[i].Visible = false
		if err := store.PutLink(st.tx, &links[i]); err != nil {
			return fmt.Errorf("reset link %s: %w", links[i].Key(), err)
		}
	}

	if _, err := r.deps.Emitter.MarkDirty(st.tx); err != nil {
		return err
	}
	return nil
}

// expireTransient removes client associations, renumber notices and
// invisible links past their grace windows.
func (r *Reconciler) expireTransient(tx store.Tx, now time.Time) (int, error) {
	removed := 0
	clients, err := store.ListClients(tx, "")
	if err != nil {
		return 0, fmt.Errorf("list clients: %w", err)
	}
	for i := range clients {
		if now.Sub(clients[i].LastSeen) < r.cfg.ClientExpiry {
			continue
		}
		if err := store.DeleteClient(tx, &clients[i]); err != nil {
			return removed, fmt.Errorf("expire client: %w", err)
		}
		removed++
	}

	notices, err := store.ListNotices(tx)
	if err != nil {
		return removed, fmt.Errorf("list notices: %w", err)
	}
	for _, n := range notices {
		if now.Sub(n.Created) < r.cfg.StuckRenumber {
			continue
		}
		if err := store.DeleteNotice(tx, n.NewAddress); err != nil {
			return removed, fmt.Errorf("expire notice: %w", err)
		}
		removed++
	}

	links, err := store.ListLinks(tx)
	if err != nil {
		return removed, fmt.Errorf("list links: %w", err)
	}
	for i := range links {
		if links[i].Visible || now.Sub(links[i].LastSeen) < r.cfg.LinkExpiry {
			continue
		}
		if err := store.DeleteLink(tx, links[i].Key()); err != nil {
			return removed, fmt.Errorf("expire link: %w", err)
		}
		removed++
	}
	return removed, nil
}

// resolveNodes maps every snapshot address to a node, creating records for
// unknown addresses.
func (r *Reconciler) resolveNodes(st *phaseState) error {
	st.byAddr = make(map[string]*models.Node, len(st.nodes))
	for _, n := range st.sortedNodes() {
		prev, dup := st.byAddr[n.Address]
		switch {
		case !dup:
			st.byAddr[n.Address] = n
		case nodestate.Unmanaged(n.Status) && !nodestate.Unmanaged(prev.Status):
			r.purge(st, n, "address now registered")
		case nodestate.Unmanaged(prev.Status) && !nodestate.Unmanaged(n.Status):
			st.byAddr[n.Address] = n
			r.purge(st, prev, "address now registered")
		}
	}

	for _, addr := range st.snap.Addresses() {
		addr := addr
		isolate(addr, "resolve", func() error {
			return r.resolveAddress(st, addr)
		})
	}
	return nil
}

func (r *Reconciler) resolveAddress(st *phaseState, addr string) error {
	notice, err := store.GetNotice(st.tx, addr)
	if err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("load notice: %w", err)
	}

	n := st.byAddr[addr]
	if n == nil {
		kind := models.NodeTypeUnknown
		if notice != nil && notice.NodeType != "" {
			kind = notice.NodeType
		}
		n = &models.Node{
			ID:      r.newID(),
			Address: addr,
			Name:    addr,
			Status:  nodestate.Unregistered(notice != nil),
			Profile: models.Profile{Kind: kind},
		}
		st.nodes[n.ID] = n
		st.byAddr[addr] = n
		st.res.NewNodes++
		logger.Infof("Unknown node %s appeared (status %s)", addr, n.Status)
		if n.Status == models.StatusInvalid {
			if _, err := r.deps.Emitter.Event(st.tx, n.ID, codes.EventUnknownNodeAppeared, map[string]string{"address": addr}); err != nil {
				return err
			}
		}
	} else if n.Status == models.StatusInvalid && notice != nil {
		n.Status = models.StatusAwaitingRenumber
		if notice.NodeType != "" {
			n.Profile.Kind = notice.NodeType
		}
	}

	n.Visible = true
	n.LastSeen = st.now
	n.PeerCount = len(st.snap.Peers(addr))

	if n.Status == models.StatusInvalid {
		if _, err := r.deps.Emitter.Warn(st.tx, n.ID, codes.WarnUnregisteredNode, models.SourceMonitor, map[string]string{"address": addr}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) purge(st *phaseState, n *models.Node, reason string) {
	isolate(n.ID, "purge", func() error {
		if err := store.DeleteNode(st.tx, n.ID); err != nil {
			return err
		}
		if n.Status == models.StatusAwaitingRenumber {
			if err := store.DeleteNotice(st.tx, n.Address); err != nil {
				return err
			}
		}
		st.drop(n)
		st.res.Purged++
		logger.Infof("Purged node %s (%s): %s", n.ID, n.Address, reason)
		return nil
	})
}

// settleNodes applies the unreachable transition to nodes missing from the
// snapshot, purges dead unregistered records and returns the nodes to
// probe.
func (r *Reconciler) settleNodes(st *phaseState) []*models.Node {
	var dispatch []*models.Node
	for _, n := range st.sortedNodes() {
		n := n
		if nodestate.Purgeable(n.Status, n.Visible) {
			r.purge(st, n, "unregistered and gone")
			continue
		}
		if n.Status == models.StatusAwaitingRenumber && r.stuckRenumber(st, n) {
			r.purge(st, n, "renumbering did not complete")
			continue
		}
		if !n.Visible {
			isolate(n.ID, "unreachable", func() error {
				_, err := r.deps.Processor.ApplyUnreachable(st.tx, n)
				return err
			})
			continue
		}
		if nodestate.Dispatchable(n.Status, n.Visible) {
			dispatch = append(dispatch, n)
		}
	}
	return dispatch
}

func (r *Reconciler) stuckRenumber(st *phaseState, n *models.Node) bool {
	notice, err := store.GetNotice(st.tx, n.Address)
	if err != nil {
		return store.IsNotFound(err)
	}
	return st.now.Sub(notice.Created) >= r.cfg.StuckRenumber
}

// runProbes runs the bulk probe rounds. A failed default round yields nil and
// leaves statuses untouched for this cycle.
func (r *Reconciler) runProbes(ctx context.Context, dispatch []*models.Node, res *CycleResult) *probe.Bulk {
	addrs := make([]string, 0, len(dispatch))
	for _, n := range dispatch {
		addrs = append(addrs, n.Address)
	}
	bulk, err := probe.RunBulk(ctx, r.deps.Prober, addrs, r.cfg.DefaultSize, r.cfg.AlternateSizes, r.cfg.ProbeTimeout)
	if err != nil {
		logger.Errorf("Bulk probe failed: %v", err)
		return nil
	}
	res.Replies = len(bulk.Default)
	metrics.ProbeReplies.Set(float64(res.Replies))
	return bulk
}

func (r *Reconciler) applyProbes(st *phaseState, dispatch []*models.Node, bulk *probe.Bulk) {
	if bulk == nil {
		return
	}
	for _, n := range dispatch {
		n := n
		isolate(n.ID, "apply probe", func() error {
			pr, found := bulk.Lookup(n.Address)
			_, err := r.deps.Processor.ApplyProbe(st.tx, n, pr, found)
			return err
		})
	}
}

// updateLinks upserts every reported link and tracks long-term adjacency.
func (r *Reconciler) updateLinks(st *phaseState) {
	srcs := make([]string, 0, len(st.snap.Links))
	for addr := range st.snap.Links {
		srcs = append(srcs, addr)
	}
	sort.Strings(srcs)

	for _, addr := range srcs {
		src := st.byAddr[addr]
		if src == nil {
			continue
		}
		for _, info := range st.snap.Links[addr] {
			dst := st.byAddr[info.Peer]
			if dst == nil || dst.ID == src.ID {
				continue
			}
			info := info
			isolate(src.ID, "link", func() error {
				return r.upsertLink(st, src, dst, info)
			})
		}
	}
}

func (r *Reconciler) upsertLink(st *phaseState, src, dst *models.Node, info topology.LinkInfo) error {
	link := &models.Link{
		Source:      src.ID,
		Destination: dst.ID,
		LQ:          info.LQ,
		ILQ:         info.ILQ,
		ETX:         info.ETX,
		Visible:     true,
		VTime:       info.VTime,
		LastSeen:    st.now,
	}
	if err := store.PutLink(st.tx, link); err != nil {
		return err
	}

	h, err := store.GetPeerHistory(st.tx, src.ID, dst.ID)
	switch {
	case store.IsNotFound(err):
		return store.PutPeerHistory(st.tx, &models.PeerHistory{NodeID: src.ID, PeerID: dst.ID, FirstSeen: st.now})
	case err != nil:
		return err
	}
	if h.Established || st.now.Sub(h.FirstSeen) < r.cfg.AdjacencyMinimum {
		return nil
	}
	h.Established = true
	if err := store.PutPeerHistory(st.tx, h); err != nil {
		return err
	}
	if nodestate.Unmanaged(src.Status) {
		return nil
	}
	_, err = r.deps.Emitter.Event(st.tx, src.ID, codes.EventAdjacencyEstablished, map[string]string{"peer": dst.Name})
	return err
}

func (r *Reconciler) isBorder(n *models.Node) bool {
	if n.Roles.BorderRouter || n.Roles.VPNServer {
		return true
	}
	for _, addr := range r.cfg.BorderRouters {
		if addr == n.Address {
			return true
		}
	}
	return false
}

// updateRedundancy recomputes whether each visible node peers with at
// least two border or VPN server nodes.
func (r *Reconciler) updateRedundancy(st *phaseState) {
	for _, n := range st.sortedNodes() {
		if !n.Visible || nodestate.Unmanaged(n.Status) || r.isBorder(n) {
			continue
		}
		n := n
		isolate(n.ID, "redundancy", func() error {
			var peers []string
			for _, addr := range st.snap.Peers(n.Address) {
				if p := st.byAddr[addr]; p != nil && r.isBorder(p) {
					peers = append(peers, p.Name)
				}
			}
			has := len(peers) >= 2
			if has != n.HasRedundancy {
				code := codes.EventRedundancyLost
				label := "none"
				if has {
					code = codes.EventRedundancyGained
				}
				if len(peers) > 0 {
					label = strings.Join(peers, ", ")
				}
				if _, err := r.deps.Emitter.Event(st.tx, n.ID, code, map[string]string{"peer": label}); err != nil {
					return err
				}
				n.HasRedundancy = has
			}
			if n.Roles.RequiresRedundancy && !has {
				_, err := r.deps.Emitter.Warn(st.tx, n.ID, codes.WarnNoRedundancy, models.SourceMonitor, nil)
				return err
			}
			return nil
		})
	}
}

// classifySubnets reconciles announced prefixes with the subnet registry.
func (r *Reconciler) classifySubnets(st *phaseState) error {
	existing, err := store.ListSubnets(st.tx)
	if err != nil {
		return fmt.Errorf("list subnets: %w", err)
	}

	var announced []subnets.Announcement
	for addr, prefixes := range st.snap.Announced {
		n := st.byAddr[addr]
		if n == nil {
			continue
		}
		for _, raw := range prefixes {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				logger.Debugf("Ignoring malformed prefix %q from %s", raw, addr)
				continue
			}
			announced = append(announced, subnets.Announcement{NodeID: n.ID, Prefix: p})
		}
	}

	border := make(map[string]bool)
	for _, n := range st.nodes {
		if r.isBorder(n) {
			border[n.ID] = true
		}
	}

	out := subnets.Classify(subnets.Input{
		Now:           st.now,
		Existing:      existing,
		Announced:     announced,
		BorderRouters: border,
		Reachable: func(id string) bool {
			n := st.nodes[id]
			return n != nil && n.Visible
		},
	})

	for i := range out.Deleted {
		if err := store.DeleteSubnet(st.tx, out.Deleted[i].ID); err != nil {
			return fmt.Errorf("delete subnet %s: %w", out.Deleted[i].ID, err)
		}
	}
	for i := range out.Subnets {
		if err := store.PutSubnet(st.tx, &out.Subnets[i]); err != nil {
			return fmt.Errorf("save subnet %s: %w", out.Subnets[i].ID, err)
		}
	}

	name := func(id string) string {
		if n := st.nodes[id]; n != nil && n.Name != "" {
			return n.Name
		}
		return id
	}
	for _, c := range out.Conflicts {
		c := c
		st.res.Conflicts++
		isolate(c.Subnet.NodeID, "subnet conflict", func() error {
			sub, own := c.Subnet.Prefix.String(), c.OwnerPrefix.String()
			if _, err := r.deps.Emitter.Warn(st.tx, c.Subnet.NodeID, codes.WarnSubnetHijacked, models.SourceMonitor,
				map[string]string{"subnet": sub, "other": own + " of " + name(c.Owner)}); err != nil {
				return err
			}
			if _, err := r.deps.Emitter.Warn(st.tx, c.Owner, codes.WarnSubnetHijacked, models.SourceMonitor,
				map[string]string{"subnet": own, "other": sub + " of " + name(c.Subnet.NodeID)}); err != nil {
				return err
			}
			if !c.New {
				return nil
			}
			_, err := r.deps.Emitter.Event(st.tx, c.Subnet.NodeID, codes.EventSubnetHijacked, map[string]string{
				"subnet":   own,
				"owner":    name(c.Owner),
				"hijacker": name(c.Subnet.NodeID),
			})
			return err
		})
	}
	for _, s := range out.NotAllocated {
		s := s
		isolate(s.NodeID, "subnet", func() error {
			_, err := r.deps.Emitter.Warn(st.tx, s.NodeID, codes.WarnSubnetNotAllocated, models.SourceMonitor,
				map[string]string{"subnet": s.Prefix.String()})
			return err
		})
	}
	for _, s := range out.NotAnnounced {
		s := s
		isolate(s.NodeID, "subnet", func() error {
			_, err := r.deps.Emitter.Warn(st.tx, s.NodeID, codes.WarnSubnetNotAnnounced, models.SourceMonitor,
				map[string]string{"subnet": s.Prefix.String()})
			return err
		})
	}
	return nil
}
