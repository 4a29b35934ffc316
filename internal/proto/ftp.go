// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proto

import (
	"bytes"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/errors"
	"grimm.is/flowtrack/internal/logging"
)

// FTPPort is the standard FTP control port.
const FTPPort = 21

// FTP watches FTP control connections and expects the data connections
// announced by PORT, EPRT, PASV (227) and EPSV (229).
type FTP struct {
	port   uint16
	logger *logging.Logger
}

func NewFTP(port uint16, logger *logging.Logger) *FTP {
	if logger == nil {
		logger = logging.Default()
	}
	return &FTP{port: port, logger: logger.WithComponent("ftp")}
}

func (h *FTP) Name() string { return "ftp" }

func (h *FTP) Matches(t conntrack.Tuple) bool {
	return t.Proto == conntrack.ProtoTCP && t.DstPort == h.port
}

func (h *FTP) Policy() conntrack.HelperPolicy {
	return conntrack.HelperPolicy{MaxExpected: 1, Timeout: 5 * time.Minute}
}

func (h *FTP) Destroy(*conntrack.Conn) {}

func (h *FTP) Process(x conntrack.Expecter, c *conntrack.Conn, pkt *conntrack.Packet, dir conntrack.Direction) conntrack.Action {
	tcp, ok := decodeTCP(pkt, pkt.L4Offset())
	if !ok || len(tcp.Payload) == 0 {
		return conntrack.ActionAccept
	}
	orig := c.Original()
	from, to, port, found := announced(tcp.Payload, orig.Src, orig.Dst, dir)
	if !found {
		return conntrack.ActionAccept
	}
	p := conntrack.Pattern{
		Tuple: conntrack.Tuple{
			Family:  orig.Family,
			Src:     from,
			Dst:     to,
			Proto:   conntrack.ProtoTCP,
			DstPort: port,
		},
		Mask: conntrack.Mask{AnySrcPort: true},
	}
	// a repeated announcement of the same port is not an error
	if _, err := x.Expect(c, p, conntrack.ExpectOptions{}); err != nil && !errors.IsKind(err, errors.KindConflict) {
		h.logger.Warn("data connection expectation not registered",
			"master", c.ID(), "pattern", p.String(), "error", err)
	}
	return conntrack.ActionAccept
}

// announced finds the first data connection announced in payload. The
// announced address must belong to the endpoint that will accept it.
func announced(payload []byte, client, server netip.Addr, dir conntrack.Direction) (from, to netip.Addr, port uint16, ok bool) {
	for _, line := range bytes.Split(payload, []byte("\n")) {
		s := strings.TrimRight(string(line), "\r")
		var addr netip.Addr
		if dir == conntrack.DirOriginal {
			// active mode: the server connects back to the client
			if addr, port, ok = parsePort(s, client); ok && addr == client {
				return server, client, port, true
			}
			continue
		}
		if addr, port, ok = parsePassive(s, server); ok && addr == server {
			return client, server, port, true
		}
	}
	return netip.Addr{}, netip.Addr{}, 0, false
}

// parsePort reads "PORT h1,h2,h3,h4,p1,p2" and "EPRT |af|addr|port|".
// An EPRT without an address falls back to def.
func parsePort(line string, def netip.Addr) (netip.Addr, uint16, bool) {
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "PORT "):
		return parseHostPort(strings.TrimSpace(line[5:]))
	case strings.HasPrefix(upper, "EPRT "):
		return parseExtended(strings.TrimSpace(line[5:]), def)
	}
	return netip.Addr{}, 0, false
}

// parsePassive reads "227 ... (h1,h2,h3,h4,p1,p2)" and "229 ... (|||port|)".
func parsePassive(line string, server netip.Addr) (netip.Addr, uint16, bool) {
	open, end := strings.IndexByte(line, '('), strings.LastIndexByte(line, ')')
	if open < 0 || end < open {
		return netip.Addr{}, 0, false
	}
	inner := line[open+1 : end]
	switch {
	case strings.HasPrefix(line, "227"):
		return parseHostPort(inner)
	case strings.HasPrefix(line, "229"):
		return parseExtended(inner, server)
	}
	return netip.Addr{}, 0, false
}

func parseHostPort(s string) (netip.Addr, uint16, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 6 {
		return netip.Addr{}, 0, false
	}
	var b [6]byte
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return netip.Addr{}, 0, false
		}
		b[i] = byte(n)
	}
	port := uint16(b[4])<<8 | uint16(b[5])
	if port == 0 {
		return netip.Addr{}, 0, false
	}
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]}), port, true
}

// parseExtended reads the RFC 2428 "<d><af><d><addr><d><port><d>" form.
func parseExtended(s string, def netip.Addr) (netip.Addr, uint16, bool) {
	if len(s) < 5 {
		return netip.Addr{}, 0, false
	}
	fields := strings.Split(s, s[:1])
	if len(fields) != 5 {
		return netip.Addr{}, 0, false
	}
	port, err := strconv.ParseUint(fields[3], 10, 16)
	if err != nil || port == 0 {
		return netip.Addr{}, 0, false
	}
	addr := def
	if fields[2] != "" {
		if addr, err = netip.ParseAddr(fields[2]); err != nil {
			return netip.Addr{}, 0, false
		}
	}
	return addr, uint16(port), true
}
