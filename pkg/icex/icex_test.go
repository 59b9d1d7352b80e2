package icex_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ethan/crazystream/pkg/icex"
	"github.com/stretchr/testify/require"
)

func TestGatherHostCandidatesReturnsHostCandidatesWithFoundation(t *testing.T) {
	host, err := icex.GatherHostCandidates(mustListen(t))
	require.NoError(t, err)
	require.NotEmpty(t, host)
	for _, c := range host {
		require.Equal(t, icex.TypeHost, c.Type)
		require.NotEmpty(t, c.Foundation)
	}
}

func mustListen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectivityChecksSelectKnownRemoteCandidate(t *testing.T) {
	connA := mustListen(t)
	connB := mustListen(t)

	addrA := connA.LocalAddr().(*net.UDPAddr)
	addrB := connB.LocalAddr().(*net.UDPAddr)

	agentA := icex.NewAgent(connA, nil)
	agentA.AddRemoteCandidate(icex.Candidate{Type: icex.TypeHost, IP: addrB.IP, Port: addrB.Port})

	agentB := icex.NewAgent(connB, nil)
	agentB.AddRemoteCandidate(icex.Candidate{Type: icex.TypeHost, IP: addrA.IP, Port: addrA.Port})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	type agentResult struct {
		agent string
		pair  icex.SelectedPair
	}
	resultCh := make(chan agentResult, 2)
	errCh := make(chan error, 2)

	go func() {
		p, err := agentA.RunConnectivityChecks(ctx)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- agentResult{agent: "A", pair: p}
	}()
	go func() {
		p, err := agentB.RunConnectivityChecks(ctx)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- agentResult{agent: "B", pair: p}
	}()

	got := make(map[string]icex.SelectedPair)
	for i := 0; i < 2; i++ {
		select {
		case r := <-resultCh:
			got[r.agent] = r.pair
		case err := <-errCh:
			t.Fatalf("connectivity check failed: %v", err)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for connectivity check result")
		}
	}

	require.Len(t, got, 2)
	require.Equal(t, addrB.Port, got["A"].PeerAddr.Port)
	require.Equal(t, addrA.Port, got["B"].PeerAddr.Port)
}

func TestConnectivityChecksFailWithNoRemoteCandidates(t *testing.T) {
	conn := mustListen(t)
	agent := icex.NewAgent(conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := agent.RunConnectivityChecks(ctx)
	require.Error(t, err)
}
