package dtlsx_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethan/crazystream/pkg/dtlsx"
	"github.com/stretchr/testify/require"
)

func TestLoopbackHandshakeAndApplicationData(t *testing.T) {
	var mu sync.Mutex
	var client, server *dtlsx.Adapter

	clientSend := func(b []byte) error {
		mu.Lock()
		s := server
		mu.Unlock()
		return s.Deliver(b)
	}
	serverSend := func(b []byte) error {
		mu.Lock()
		c := client
		mu.Unlock()
		return c.Deliver(b)
	}

	mu.Lock()
	client = dtlsx.New(clientSend)
	server = dtlsx.New(serverSend)
	mu.Unlock()

	var wg sync.WaitGroup
	var clientErr, serverErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, clientErr = client.HandshakeAsClient(context.Background())
	}()
	go func() {
		defer wg.Done()
		_, serverErr = server.HandshakeAsServer(context.Background())
	}()
	wg.Wait()

	require.NoError(t, serverErr)
	require.NoError(t, clientErr)

	require.NoError(t, client.Encrypt([]byte("hello from client")))

	var got []byte
	require.Eventually(t, func() bool {
		plaintext, err := server.Decrypt(nil)
		if err != nil {
			return false
		}
		if len(plaintext) > 0 {
			got = plaintext
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "hello from client", string(got))
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func TestFingerprintIsDeterministicForSameCert(t *testing.T) {
	cert := selfSignedCert(t)

	fp1, err := dtlsx.Fingerprint(cert)
	require.NoError(t, err)
	fp2, err := dtlsx.Fingerprint(cert)
	require.NoError(t, err)

	require.Equal(t, fp1, fp2)
	require.NotEmpty(t, fp1)
}

func TestFingerprintDiffersAcrossCerts(t *testing.T) {
	fp1, err := dtlsx.Fingerprint(selfSignedCert(t))
	require.NoError(t, err)
	fp2, err := dtlsx.Fingerprint(selfSignedCert(t))
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp2)
}

func TestFingerprintRejectsEmptyCertificate(t *testing.T) {
	_, err := dtlsx.Fingerprint(tls.Certificate{})
	require.Error(t, err)
}
