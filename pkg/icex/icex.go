// Package icex implements ICE-lite NAT traversal per spec.md §4.2:
// host and server-reflexive candidate gathering, RFC 5245 §4.1.2.1
// priority computation, and a connectivity-check loop that probes
// every local/remote candidate pair until one echoes back a probe and
// is selected. This diverges deliberately from RFC 8445 full ICE (no
// role conflict resolution, no trickle, no relay candidates) and from
// pion/ice, which implements that fuller protocol; the reference
// agent's simpler one-phase check loop is what's ported here.
package icex

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethan/crazystream/pkg/logger"
	"github.com/ethan/crazystream/pkg/stunx"
)

// CandidateType names a candidate's provenance, ordered by the
// reference type preference host > srflx > relay (relay unused here,
// kept for priority symmetry with the original table).
type CandidateType string

const (
	TypeHost  CandidateType = "host"
	TypeSrflx CandidateType = "srflx"
	TypeRelay CandidateType = "relay"
	TypePrflx CandidateType = "prflx"
)

func typePreference(t CandidateType) uint32 {
	switch t {
	case TypeHost:
		return 126
	case TypeSrflx, TypePrflx:
		return 100
	default:
		return 0
	}
}

// Candidate is one local or remote connectivity endpoint.
type Candidate struct {
	Type       CandidateType
	IP         net.IP
	Port       int
	Priority   uint32
	Foundation string
}

// computePriority implements RFC 5245 §4.1.2.1:
// priority = (2^24)*type_pref + (2^8)*local_pref + (256 - component).
func computePriority(t CandidateType, localPref uint16, component uint16) uint32 {
	return (typePreference(t) << 24) + (uint32(localPref) << 8) + (256 - uint32(component))
}

// foundation hashes type+base-IP+protocol into a short identifier, as
// the reference does by string-concatenating type and IP; UDP is the
// only protocol in this stack so it is folded into the hash for
// uniqueness against any future transport.
func foundation(t CandidateType, ip net.IP) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%s|udp", t, ip.String())))
	return hex.EncodeToString(h[:8])
}

// probeMagic identifies a connectivity-check probe packet so it can't
// be confused with data-plane traffic sharing the same socket during
// the handshake phase (the agent owns the socket exclusively until a
// pair is selected). No STUN message type is used for probes.
var probeMagic = [4]byte{0x43, 0x53, 0x49, 0x43} // "CSIC"

// GatherHostCandidates enumerates non-loopback local interface
// addresses, pairing each with the port the shared socket is already
// bound to (spec.md's transport owns a single UDP socket per
// session, unlike the reference's one-socket-per-interface scheme).
func GatherHostCandidates(conn net.PacketConn) ([]Candidate, error) {
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("icex: conn is not UDP")
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("icex: list interfaces: %w", err)
	}

	var out []Candidate
	localPref := uint16(65535)
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, Candidate{
			Type:       TypeHost,
			IP:         ip4,
			Port:       local.Port,
			Priority:   computePriority(TypeHost, localPref, 1),
			Foundation: foundation(TypeHost, ip4),
		})
		localPref--
	}
	return out, nil
}

// GatherServerReflexive queries each STUN server in turn over conn,
// appending one srflx candidate per distinct discovered endpoint.
func GatherServerReflexive(ctx context.Context, conn net.PacketConn, stunServers []string, log *logger.Logger) ([]Candidate, error) {
	var out []Candidate
	seen := make(map[string]bool)
	localPref := uint16(65534)

	for _, server := range stunServers {
		addr, err := net.ResolveUDPAddr("udp", server)
		if err != nil {
			if log != nil {
				log.DebugICEEvent("stun server resolve failed", "server", server, "err", err)
			}
			continue
		}

		res, err := stunx.Discover(ctx, conn, addr, log)
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%s:%d", res.PublicIP, res.PublicPort)
		if seen[key] {
			continue
		}
		seen[key] = true

		out = append(out, Candidate{
			Type:       TypeSrflx,
			IP:         res.PublicIP,
			Port:       res.PublicPort,
			Priority:   computePriority(TypeSrflx, localPref, 1),
			Foundation: foundation(TypeSrflx, res.PublicIP),
		})
		localPref--
	}
	return out, nil
}

const (
	probeInterval   = 200 * time.Millisecond
	readPollTimeout = 50 * time.Millisecond
	checkDeadline   = 5 * time.Second
)

// SelectedPair is the winning local/remote candidate pair the
// connectivity check loop settled on.
type SelectedPair struct {
	Local     Candidate
	Remote    Candidate
	PeerAddr  *net.UDPAddr
}

// Agent runs ICE-lite connectivity checks: it owns conn exclusively
// until a pair is selected, probing every remote candidate every
// 200ms and accepting the first one to echo a probe back.
type Agent struct {
	conn net.PacketConn
	log  *logger.Logger

	mu      sync.Mutex
	local   []Candidate
	remote  []Candidate
}

// NewAgent constructs an agent bound to the given socket.
func NewAgent(conn net.PacketConn, log *logger.Logger) *Agent {
	return &Agent{conn: conn, log: log}
}

// SetLocalCandidates replaces the agent's advertised local candidates.
func (a *Agent) SetLocalCandidates(c []Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local = c
}

// AddRemoteCandidate records one candidate signaled by the peer.
func (a *Agent) AddRemoteCandidate(c Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote = append(a.remote, c)
}

// RunConnectivityChecks probes every remote candidate until one
// responds or checkDeadline elapses, matching the reference agent's
// single-phase race-to-first-probe-response strategy. An unsolicited
// probe from an address not in the remote candidate list is accepted
// as a peer-reflexive candidate, per spec.md's NAT-traversal
// allowance for symmetric NAT port remapping.
func (a *Agent) RunConnectivityChecks(ctx context.Context) (SelectedPair, error) {
	a.mu.Lock()
	remotes := append([]Candidate(nil), a.remote...)
	a.mu.Unlock()

	if len(remotes) == 0 {
		return SelectedPair{}, fmt.Errorf("icex: no remote candidates to check")
	}

	dests := make([]*net.UDPAddr, 0, len(remotes))
	for _, r := range remotes {
		dests = append(dests, &net.UDPAddr{IP: r.IP, Port: r.Port})
	}

	deadline := time.Now().Add(checkDeadline)
	lastSend := time.Time{}
	buf := make([]byte, 64)

	for {
		if time.Now().After(deadline) {
			return SelectedPair{}, fmt.Errorf("icex: connectivity checks timed out")
		}
		select {
		case <-ctx.Done():
			return SelectedPair{}, ctx.Err()
		default:
		}

		if time.Since(lastSend) >= probeInterval {
			lastSend = time.Now()
			for _, dest := range dests {
				a.conn.WriteTo(probeMagic[:], dest)
			}
		}

		a.conn.SetReadDeadline(time.Now().Add(readPollTimeout))
		n, from, err := a.conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		if n < len(probeMagic) || [4]byte{buf[0], buf[1], buf[2], buf[3]} != probeMagic {
			continue
		}

		udpFrom, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}

		for _, r := range remotes {
			if r.IP.Equal(udpFrom.IP) && r.Port == udpFrom.Port {
				return SelectedPair{Local: a.bestLocal(), Remote: r, PeerAddr: udpFrom}, nil
			}
		}

		// Peer-reflexive fallback: unknown source, accept best-effort.
		if a.log != nil {
			a.log.DebugICEEvent("probe from unknown source, treating as peer-reflexive", "addr", udpFrom.String())
		}
		prflx := Candidate{
			Type:       TypePrflx,
			IP:         udpFrom.IP,
			Port:       udpFrom.Port,
			Priority:   computePriority(TypePrflx, 1, 1),
			Foundation: foundation(TypePrflx, udpFrom.IP),
		}
		return SelectedPair{Local: a.bestLocal(), Remote: prflx, PeerAddr: udpFrom}, nil
	}
}

func (a *Agent) bestLocal() Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	var best Candidate
	for i, c := range a.local {
		if i == 0 || c.Priority > best.Priority {
			best = c
		}
	}
	return best
}
