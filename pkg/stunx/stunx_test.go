package stunx_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ethan/crazystream/pkg/stunx"
	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/require"
)

// fakeStunServer answers every Binding Request with a Binding Success
// Response carrying XOR-MAPPED-ADDRESS set to the client's observed
// source address, exactly as a real STUN server would.
func fakeStunServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 1024)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}

			var req stun.Message
			req.Raw = append([]byte(nil), buf[:n]...)
			if err := req.Decode(); err != nil {
				continue
			}

			udpFrom, ok := from.(*net.UDPAddr)
			if !ok {
				continue
			}

			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: udpFrom.IP, Port: udpFrom.Port},
			)
			if err != nil {
				continue
			}
			conn.WriteToUDP(resp.Raw, udpFrom)
		}
	}()

	return conn
}

func TestDiscoverReturnsClientObservedAddress(t *testing.T) {
	server := fakeStunServer(t)
	defer server.Close()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := stunx.Discover(ctx, client, server.LocalAddr().(*net.UDPAddr), nil)
	require.NoError(t, err)
	require.True(t, res.PublicIP.Equal(net.IPv4(127, 0, 0, 1)))
	require.Greater(t, res.PublicPort, 0)
}

func TestDiscoverReturnsErrorWhenServerUnreachable(t *testing.T) {
	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	deadServer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := deadServer.LocalAddr().(*net.UDPAddr)
	deadServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	_, err = stunx.Discover(ctx, client, addr, nil)
	require.Error(t, err)
}
