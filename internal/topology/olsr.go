package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"meshmon/internal/convert"
)

// OLSRConfig configures the OLSR jsoninfo client.
type OLSRConfig struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// OLSRSource reads the topology and HNA tables from the olsrd jsoninfo
// plugin.
type OLSRSource struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
}

// NewOLSRSource creates a jsoninfo-backed topology source.
func NewOLSRSource(cfg OLSRConfig) (*OLSRSource, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("olsr host is empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OLSRSource{
		endpoint: "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + "/topology/hna",
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}, nil
}

type jsoninfoDoc struct {
	Topology []struct {
		LastHopIP           string      `json:"lastHopIP"`
		DestinationIP       string      `json:"destinationIP"`
		LinkQuality         interface{} `json:"linkQuality"`
		NeighborLinkQuality interface{} `json:"neighborLinkQuality"`
		TCEdgeCost          interface{} `json:"tcEdgeCost"`
		ValidityTime        interface{} `json:"validityTime"`
	} `json:"topology"`
	HNA []struct {
		Gateway     string      `json:"gateway"`
		Destination string      `json:"destination"`
		Genmask     interface{} `json:"genmask"`
	} `json:"hna"`
}

// Fetch requests one snapshot. Any failure is reported as ErrUnavailable.
func (s *OLSRSource) Fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
	}

	var doc jsoninfoDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode jsoninfo: %v", ErrUnavailable, err)
	}
	return buildSnapshot(doc, s.now()), nil
}

func buildSnapshot(doc jsoninfoDoc, now time.Time) *Snapshot {
	snap := &Snapshot{
		FetchedAt: now,
		Links:     make(map[string][]LinkInfo),
		Announced: make(map[string][]string),
	}

	for _, t := range doc.Topology {
		src, ok := parseAddr(t.LastHopIP)
		if !ok {
			continue
		}
		dst, ok := parseAddr(t.DestinationIP)
		if !ok || dst == src {
			continue
		}
		lq := convert.FloatOr(t.LinkQuality, 0)
		ilq := convert.FloatOr(t.NeighborLinkQuality, 0)
		etx := convert.FloatOr(t.TCEdgeCost, 0) / 1024
		if etx <= 0 && lq > 0 && ilq > 0 {
			etx = 1 / (lq * ilq)
		}
		vtime := time.Duration(convert.IntOr(t.ValidityTime, 0)) * time.Millisecond
		snap.Links[src] = append(snap.Links[src], LinkInfo{Peer: dst, LQ: lq, ILQ: ilq, ETX: etx, VTime: vtime})
	}

	for _, h := range doc.HNA {
		gw, ok := parseAddr(h.Gateway)
		if !ok {
			continue
		}
		bits, ok := convert.Int(h.Genmask)
		if !ok {
			continue
		}
		snap.Announced[gw] = append(snap.Announced[gw], h.Destination+"/"+strconv.FormatInt(bits, 10))
	}
	return snap
}

func parseAddr(raw string) (string, bool) {
	a, err := netip.ParseAddr(convert.String(raw))
	if err != nil {
		return "", false
	}
	return a.String(), true
}
