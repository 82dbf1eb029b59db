package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `# nodewatcher
general.uuid: 7f0c6a5e-1b22-4d0e-9d8b-3f6f1c2e9a10
general.version: 2.1.4
general.uptime: 86400.52
general.hostname: roof-east
wifi.essid: mesh.example.net
wifi.bssid: 02:CA:FF:EE:BA:BE
wifi.channel: 8
wifi.signal: -61
wifi.clients: 3
net.losses: 12
dhcp.leases: 4
dhcp.subnet: 10.20.30.1/29
captive_portal.status: up
captive_portal.dns: failed
clients.AA:BB:CC:DD:EE:01: 10.20.30.2
clients.aa:bb:cc:dd:ee:02:
environment.board: 41.5
environment.ambient: n/a
this line is garbage
.nosection: 1
`

func parseSample(t *testing.T) *Document {
	t.Helper()
	doc, err := Parse([]byte(sample), time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return doc
}

func TestParseSections(t *testing.T) {
	doc := parseSample(t)

	assert.Equal(t, []Section{SectionCaptivePortal, SectionClients, SectionDHCP, SectionEnvironment, SectionGeneral, SectionNet, SectionWifi}, doc.Sections())
	assert.False(t, doc.Has(SectionSolar))
	_, ok := doc.Solar()
	assert.False(t, ok)

	g, ok := doc.General()
	require.True(t, ok)
	assert.Equal(t, "2.1.4", g.Firmware)
	assert.Equal(t, int64(86400), g.Uptime)
	assert.True(t, g.UptimeKnown)

	w, ok := doc.Wifi()
	require.True(t, ok)
	assert.Equal(t, "02:ca:ff:ee:ba:be", w.BSSID)
	assert.Equal(t, 8, w.Channel)
	assert.Equal(t, -61.0, w.Signal)

	dhcp, ok := doc.DHCP()
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("10.20.30.0/29"), dhcp.Subnet)

	cp, ok := doc.CaptivePortal()
	require.True(t, ok)
	assert.True(t, cp.Up && cp.UpKnown)
	assert.False(t, cp.DNSWorks)
	assert.True(t, cp.DNSKnown)

	clients, ok := doc.Clients()
	require.True(t, ok)
	require.Len(t, clients, 2)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", clients[0].MAC)
	assert.Equal(t, "10.20.30.2", clients[0].IP)
	assert.Equal(t, "", clients[1].IP)

	env, ok := doc.Environment()
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"board": 41.5}, env)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse([]byte("\n# nothing\ngarbage\n"), time.Time{})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFlatten(t *testing.T) {
	doc := parseSample(t)
	flat := doc.Flatten()
	assert.Equal(t, "mesh.example.net", flat["wifi.essid"])
	assert.Equal(t, "12", flat["net.losses"])
}

func TestUnparseableUptimeIsUnknown(t *testing.T) {
	doc, err := Parse([]byte("general.uptime: soon\n"), time.Time{})
	require.NoError(t, err)
	g, ok := doc.General()
	require.True(t, ok)
	assert.False(t, g.UptimeKnown)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cgi-bin/nodewatcher" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	f := NewHTTPFetcher("", time.Second)
	f.path = "/cgi-bin/nodewatcher"
	doc, err := f.fetchURL(context.Background(), "http://"+host+f.path, host)
	require.NoError(t, err)
	assert.True(t, doc.Has(SectionWifi))

	_, err = f.fetchURL(context.Background(), "http://"+host+"/missing", host)
	assert.Error(t, err)
}
