// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowtrack/internal/clock"
	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/events"
	"grimm.is/flowtrack/internal/logging"
	"grimm.is/flowtrack/internal/metrics"
	"grimm.is/flowtrack/internal/proto"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	tracker *conntrack.Tracker
	hub     *events.Hub
	server  *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hub := events.NewHub(logging.Discard())
	cfg := conntrack.DefaultConfig()
	cfg.HashSize = 64
	cfg.Events = conntrack.EventsAll
	tr, err := conntrack.New(cfg,
		conntrack.WithClock(clock.NewMockClock(testEpoch)),
		conntrack.WithLogger(logging.Discard()),
		conntrack.WithEventSink(hub),
	)
	require.NoError(t, err)
	require.NoError(t, proto.Register(tr, proto.DefaultTimeouts(), proto.Options{FTP: true}))

	s, err := NewServer(ServerOptions{
		Tracker:  tr,
		Hub:      hub,
		Registry: metrics.NewRegistry(tr, hub),
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	return &testEnv{tracker: tr, hub: hub, server: s}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ipv4(src, dst string, p layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: p,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func (e *testEnv) udp(t *testing.T, src, dst string, sport, dport uint16) {
	t.Helper()
	ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	e.send(conntrack.NewPacket(conntrack.FamilyIPv4, serialize(t, ip, udp, gopacket.Payload("x"))))
}

func (e *testEnv) tcp(t *testing.T, src, dst string, sport, dport uint16, syn, ack bool, payload string) {
	t.Helper()
	ip := ipv4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		SYN:     syn,
		ACK:     ack,
		PSH:     payload != "",
		Window:  1024,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	e.send(conntrack.NewPacket(conntrack.FamilyIPv4, serialize(t, ip, tcp, gopacket.Payload(payload))))
}

func (e *testEnv) send(pkt *conntrack.Packet) {
	e.tracker.Process(pkt)
	pkt.Release()
}

type entriesResponse struct {
	Entries []EntryJSON `json:"entries"`
	Count   int         `json:"count"`
}

func (e *testEnv) entries(t *testing.T, query string) entriesResponse {
	t.Helper()
	rec := e.do(t, "GET", "/api/conntrack/entries"+query, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out entriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), `"name":"conntrack_table"`)
	assert.Contains(t, rec.Body.String(), `"name":"events"`)
}

func TestNewServer_RequiresTracker(t *testing.T) {
	_, err := NewServer(ServerOptions{})
	assert.Error(t, err)
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t)
	env.udp(t, "192.168.1.10", "8.8.8.8", 5353, 53)

	rec := env.do(t, "GET", "/api/conntrack/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Current)
	assert.Equal(t, 64, got.HashSize)
	assert.Equal(t, uint64(1), got.New)
	assert.Equal(t, []string{"ftp"}, got.Helpers)
}

func TestListEntries_Filters(t *testing.T) {
	env := newTestEnv(t)
	env.udp(t, "192.168.1.10", "8.8.8.8", 5353, 53)
	env.tcp(t, "192.168.1.20", "10.0.0.2", 40000, 443, true, false, "")

	all := env.entries(t, "")
	require.Equal(t, 2, all.Count)
	assert.Less(t, all.Entries[0].ID, all.Entries[1].ID)

	udp := env.entries(t, "?proto=udp")
	require.Equal(t, 1, udp.Count)
	e := udp.Entries[0]
	assert.Equal(t, "udp", e.Original.Proto)
	assert.Equal(t, uint16(53), e.Original.DstPort)
	assert.Equal(t, "8.8.8.8", e.Reply.Src)
	assert.Equal(t, "confirmed", e.State)
	assert.Equal(t, []string{"CONFIRMED"}, e.Status, "no reply seen yet")
	assert.Equal(t, uint64(1), e.PacketsOrig)

	byAddr := env.entries(t, "?addr=10.0.0.2")
	require.Equal(t, 1, byAddr.Count)
	assert.Equal(t, "tcp", byAddr.Entries[0].Original.Proto)
	assert.Equal(t, "SYN_SENT", byAddr.Entries[0].ProtoState)

	assert.Equal(t, 1, env.entries(t, "?limit=1").Count)

	rec := env.do(t, "GET", "/api/conntrack/entries?addr=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "GET", "/api/conntrack/entries?proto=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEntry_GetMarkDelete(t *testing.T) {
	env := newTestEnv(t)
	env.udp(t, "192.168.1.10", "8.8.8.8", 5353, 53)
	id := env.entries(t, "").Entries[0].ID
	path := "/api/conntrack/entries/" + strconv.FormatUint(uint64(id), 10)

	rec := env.do(t, "GET", path, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "PUT", path+"/mark", `{"mark": 7}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got EntryJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint32(7), got.Mark)

	rec = env.do(t, "PUT", path+"/mark", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "PUT", path+"/mark", `{"colour": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "DELETE", path, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, env.tracker.Count())

	rec = env.do(t, "GET", path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}

func TestFlushEntries(t *testing.T) {
	env := newTestEnv(t)
	env.udp(t, "192.168.1.10", "8.8.8.8", 5353, 53)
	env.udp(t, "192.168.1.10", "1.1.1.1", 5354, 53)
	env.udp(t, "192.168.1.11", "1.1.1.1", 5355, 53)

	rec := env.do(t, "DELETE", "/api/conntrack/entries?addr=1.1.1.1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted": 2}`, rec.Body.String())
	assert.Equal(t, 1, env.tracker.Count())

	rec = env.do(t, "DELETE", "/api/conntrack/entries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted": 1}`, rec.Body.String())
	assert.Zero(t, env.tracker.Count())
}

func TestSetHashSizeAndMax(t *testing.T) {
	env := newTestEnv(t)
	env.udp(t, "192.168.1.10", "8.8.8.8", 5353, 53)

	rec := env.do(t, "PUT", "/api/conntrack/hashsize", `{"size": 128}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hash_size": 128}`, rec.Body.String())
	assert.Equal(t, 1, env.entries(t, "").Count)

	rec = env.do(t, "PUT", "/api/conntrack/hashsize", `{"size": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "PUT", "/api/conntrack/max", `{"size": 500}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"max": 500}`, rec.Body.String())

	rec = env.do(t, "PUT", "/api/conntrack/max", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExpectations(t *testing.T) {
	env := newTestEnv(t)
	env.tcp(t, "192.168.1.10", "10.0.0.2", 40000, proto.FTPPort, true, false, "")
	env.tcp(t, "10.0.0.2", "192.168.1.10", proto.FTPPort, 40000, true, true, "")
	env.tcp(t, "192.168.1.10", "10.0.0.2", 40000, proto.FTPPort, false, true, "")
	env.tcp(t, "10.0.0.2", "192.168.1.10", proto.FTPPort, 40000, false, true,
		"227 Entering Passive Mode (10,0,0,2,19,136)\r\n")

	rec := env.do(t, "GET", "/api/conntrack/expectations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Expectations []ExpectationJSON `json:"expectations"`
		Count        int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 1, got.Count)
	x := got.Expectations[0]
	assert.Equal(t, uint16(5000), x.DstPort)
	assert.Equal(t, "10.0.0.2", x.Dst)
	assert.Equal(t, "192.168.1.10", x.Src)
	assert.Equal(t, "*", x.SrcPort)
	assert.Equal(t, "ftp", x.Helper)
	assert.Equal(t, int64(300), x.TimeoutSeconds)

	rec = env.do(t, "DELETE", "/api/conntrack/expectations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted": 1}`, rec.Body.String())
	assert.Empty(t, env.tracker.Expectations())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.udp(t, "192.168.1.10", "8.8.8.8", 5353, 53)

	rec := env.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flowtrack_conntrack_entries 1")
	assert.Contains(t, rec.Body.String(), "flowtrack_conntrack_new_total 1")
}

func TestEvents_UnknownType(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/conntrack/events?types=new,bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bogus")
}

func TestEvents_Stream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/conntrack/events?types=new", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	env.udp(t, "192.168.1.10", "8.8.8.8", 5353, 53)

	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, "new", event)

	var got EventJSON
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "new", got.Type)
	require.NotNil(t, got.Entry)
	assert.Equal(t, uint16(53), got.Entry.Original.DstPort)
	assert.Contains(t, got.Line, "[NEW] udp 17")
}
