// Package stunx discovers a host's server-reflexive (public) address
// via a minimal STUN Binding Request/Response exchange, per
// spec.md §4.2, using pion/stun/v3 for message encode/decode in place
// of the reference implementation's hand-rolled RFC 5389 byte layout.
package stunx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ethan/crazystream/pkg/logger"
	"github.com/pion/stun/v3"
)

const (
	// MaxAttempts and AttemptTimeout mirror the reference client's
	// retry loop: three attempts, 500ms each, over the same socket
	// the session already owns.
	MaxAttempts    = 3
	AttemptTimeout = 500 * time.Millisecond
)

// Result is a discovered public endpoint.
type Result struct {
	PublicIP   net.IP
	PublicPort int
}

// ErrNoResponse is returned when every attempt timed out or produced
// an unparsable response.
var ErrNoResponse = errors.New("stunx: no usable response from server")

// Discover sends a STUN Binding Request to server over conn (the
// session's own UDP socket, not a dedicated one) and waits for a
// Binding Success Response carrying XOR-MAPPED-ADDRESS, falling back
// to the older MAPPED-ADDRESS attribute if that's what the server
// sent instead.
func Discover(ctx context.Context, conn net.PacketConn, server *net.UDPAddr, log *logger.Logger) (Result, error) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return Result{}, fmt.Errorf("stunx: build request: %w", err)
	}

	buf := make([]byte, 1024)

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		if _, err := conn.WriteTo(req.Raw, server); err != nil {
			if log != nil {
				log.DebugICEEvent("stun write failed", "attempt", attempt+1, "err", err)
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(AttemptTimeout))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if log != nil {
				log.DebugICEEvent("stun read timeout", "attempt", attempt+1)
			}
			continue
		}
		if !addrEqual(from, server) {
			continue
		}

		res, ok := parseResponse(req.TransactionID, buf[:n])
		if ok {
			if log != nil {
				log.DebugICEEvent("stun discovered endpoint", "ip", res.PublicIP.String(), "port", res.PublicPort)
			}
			return res, nil
		}
	}

	return Result{}, ErrNoResponse
}

func addrEqual(from net.Addr, server *net.UDPAddr) bool {
	u, ok := from.(*net.UDPAddr)
	if !ok {
		return true
	}
	return u.IP.Equal(server.IP) && u.Port == server.Port
}

func parseResponse(txnID stun.TransactionID, data []byte) (Result, bool) {
	var msg stun.Message
	msg.Raw = append([]byte(nil), data...)
	if err := msg.Decode(); err != nil {
		return Result{}, false
	}
	if msg.Type != stun.BindingSuccess {
		return Result{}, false
	}
	if msg.TransactionID != txnID {
		return Result{}, false
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(&msg); err == nil {
		return Result{PublicIP: xorAddr.IP, PublicPort: xorAddr.Port}, true
	}

	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(&msg); err == nil {
		return Result{PublicIP: mappedAddr.IP, PublicPort: mappedAddr.Port}, true
	}

	return Result{}, false
}
