package topology

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsoninfoBody = `{
  "topology": [
    {"lastHopIP": "10.254.0.1", "destinationIP": "10.254.0.2", "linkQuality": 1.0, "neighborLinkQuality": 0.5, "tcEdgeCost": 2048, "validityTime": 30000},
    {"lastHopIP": "10.254.0.2", "destinationIP": "10.254.0.1", "linkQuality": "0.5", "neighborLinkQuality": "1.0", "tcEdgeCost": 0, "validityTime": 30000},
    {"lastHopIP": "garbage", "destinationIP": "10.254.0.3"}
  ],
  "hna": [
    {"gateway": "10.254.0.2", "destination": "10.14.1.0", "genmask": 27},
    {"gateway": "10.254.0.1", "destination": "0.0.0.0", "genmask": "0"},
    {"gateway": "10.254.0.9", "destination": "10.9.0.0", "genmask": "bad"}
  ]
}`

func newTestSource(t *testing.T, handler http.HandlerFunc) *OLSRSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, _ := strconv.Atoi(port)
	src, err := NewOLSRSource(OLSRConfig{Host: host, Port: p, Timeout: time.Second})
	require.NoError(t, err)
	return src
}

func TestOLSRSourceParsesTopologyAndHNA(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/topology/hna", r.URL.Path)
		w.Write([]byte(jsoninfoBody))
	})

	snap, err := src.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Links["10.254.0.1"], 1)
	l := snap.Links["10.254.0.1"][0]
	assert.Equal(t, "10.254.0.2", l.Peer)
	assert.Equal(t, 2.0, l.ETX)
	assert.Equal(t, 30*time.Second, l.VTime)

	back := snap.Links["10.254.0.2"][0]
	assert.Equal(t, 2.0, back.ETX)

	assert.Equal(t, []string{"10.14.1.0/27"}, snap.Announced["10.254.0.2"])
	assert.Equal(t, []string{"0.0.0.0/0"}, snap.Announced["10.254.0.1"])
	assert.NotContains(t, snap.Announced, "10.254.0.9")

	assert.Equal(t, []string{"10.254.0.1", "10.254.0.2"}, snap.Addresses())
	assert.Equal(t, []string{"10.254.0.2"}, snap.Peers("10.254.0.1"))
}

func TestOLSRSourceUnavailable(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	src = newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	})
	_, err = src.Fetch(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestNewOLSRSourceRequiresHost(t *testing.T) {
	_, err := NewOLSRSource(OLSRConfig{})
	assert.Error(t, err)
}
