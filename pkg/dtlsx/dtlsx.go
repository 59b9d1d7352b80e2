// Package dtlsx adapts pion/dtls/v3 into the "pure byte transform"
// shape the reference transport's DTLS context uses: feed it raw
// datagrams, get plaintext or ciphertext back, with no socket
// ownership of its own. The reference implementation hand-rolls an
// OpenSSL BIO pair to shuttle bytes between the SSL object and a raw
// UDP socket; here the same role is played by a net.Conn built over
// Go channels, which pion/dtls/v3 reads and writes like any other
// connection.
package dtlsx

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/pion/dtls/v3"
)

const (
	// HandshakeTimeout bounds how long the handshake loop waits for
	// completion before giving up, mirroring the reference's 5 second
	// deadline.
	HandshakeTimeout = 5 * time.Second

	certValidity = 24 * time.Hour

	readPollTimeout = 50 * time.Millisecond

	maxDatagramSize = 1500
)

// Adapter wraps one DTLS 1.2 session over an address-less byte pipe.
// Callers push inbound datagrams in with Deliver/Decrypt and pull
// outbound ciphertext out via the send callback supplied at
// construction.
type Adapter struct {
	conn *dtls.Conn
	pipe *pipeConn
}

// fingerprintAddr satisfies net.Addr for the synthetic pipe ends; the
// adapter has no real socket identity of its own.
type fingerprintAddr string

func (a fingerprintAddr) Network() string { return "dtlsx" }
func (a fingerprintAddr) String() string  { return string(a) }

// pipeConn is a net.Conn backed by a channel of inbound datagrams and
// a send callback for outbound ones, replacing the BIO pair the
// reference implementation shuttles bytes through by hand.
type pipeConn struct {
	incoming chan []byte
	send     func([]byte) error

	readDeadline time.Time

	closed chan struct{}
}

func newPipeConn(send func([]byte) error) *pipeConn {
	return &pipeConn{
		incoming: make(chan []byte, 64),
		send:     send,
		closed:   make(chan struct{}),
	}
}

func (p *pipeConn) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	if !p.readDeadline.IsZero() {
		d := time.Until(p.readDeadline)
		if d <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-p.closed:
		return 0, fmt.Errorf("dtlsx: pipe closed")
	case data, ok := <-p.incoming:
		if !ok {
			return 0, fmt.Errorf("dtlsx: pipe closed")
		}
		return copy(b, data), nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (p *pipeConn) Write(b []byte) (int, error) {
	buf := make([]byte, len(b))
	copy(buf, b)
	if err := p.send(buf); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *pipeConn) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func (p *pipeConn) LocalAddr() net.Addr                { return fingerprintAddr("local") }
func (p *pipeConn) RemoteAddr() net.Addr               { return fingerprintAddr("remote") }
func (p *pipeConn) SetDeadline(t time.Time) error      { p.readDeadline = t; return nil }
func (p *pipeConn) SetReadDeadline(t time.Time) error  { p.readDeadline = t; return nil }
func (p *pipeConn) SetWriteDeadline(time.Time) error   { return nil }

func (p *pipeConn) deliver(datagram []byte) error {
	buf := make([]byte, len(datagram))
	copy(buf, datagram)
	select {
	case p.incoming <- buf:
		return nil
	case <-p.closed:
		return fmt.Errorf("dtlsx: pipe closed")
	default:
		return fmt.Errorf("dtlsx: incoming backlog full")
	}
}

// generateSelfSignedCert produces a self-signed P-256 certificate
// valid for certValidity, matching the reference's ephemeral-identity
// approach: the remote fingerprint is verified out-of-band via
// signaling, not against a CA.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(0).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "crazystream"},
		NotBefore:    now,
		NotAfter:     now.Add(certValidity),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// Fingerprint returns a colon-separated SHA-256 fingerprint of the DER
// certificate, to be exchanged out-of-band via signaling and compared
// against the peer's presented certificate at handshake time.
func Fingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", errors.New("dtlsx: certificate has no leaf")
	}
	sum := sha256.Sum256(cert.Certificate[0])
	out := make([]byte, 0, len(sum)*3)
	for i, b := range sum {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, fmt.Sprintf("%02X", b)...)
	}
	return string(out), nil
}

func baseConfig() (*dtls.Config, tls.Certificate, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		InsecureSkipVerify:   true,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		CipherSuites:         []dtls.CipherSuiteID{dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256},
		MTU:                  1400,
	}, cert, nil
}

// New constructs a pending Adapter with its byte pipe wired to send,
// ready to accept Deliver calls immediately. The handshake itself is
// driven afterward by HandshakeAsClient or HandshakeAsServer, so the
// transport's receive loop can start forwarding inbound datagrams to
// Deliver before the handshake completes, rather than only after (the
// reference implementation sidesteps this by owning the socket
// directly; here the adapter has no socket, so construction and
// handshake are split).
func New(send func([]byte) error) *Adapter {
	return &Adapter{pipe: newPipeConn(send)}
}

// HandshakeAsClient drives a DTLS 1.2 client handshake over the
// adapter's byte pipe, calling send for every datagram DTLS wants
// written to the wire.
func (a *Adapter) HandshakeAsClient(ctx context.Context) (tls.Certificate, error) {
	cfg, cert, err := baseConfig()
	if err != nil {
		return tls.Certificate{}, err
	}

	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	conn, err := dtls.ClientWithContext(hctx, a.pipe, cfg)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("dtlsx: client handshake: %w", err)
	}
	a.conn = conn
	return cert, nil
}

// HandshakeAsServer drives a DTLS 1.2 server handshake over the
// adapter's byte pipe.
func (a *Adapter) HandshakeAsServer(ctx context.Context) (tls.Certificate, error) {
	cfg, cert, err := baseConfig()
	if err != nil {
		return tls.Certificate{}, err
	}

	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	conn, err := dtls.ServerWithContext(hctx, a.pipe, cfg)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("dtlsx: server handshake: %w", err)
	}
	a.conn = conn
	return cert, nil
}

// Deliver feeds one raw received datagram into the DTLS session,
// whether it is a handshake flight, alert, or application record. The
// transport's receive loop calls this for every datagram addressed to
// this session, both before and after the handshake completes.
func (a *Adapter) Deliver(datagram []byte) error {
	return a.pipe.deliver(datagram)
}

// Encrypt writes plaintext application data through the session; the
// resulting DTLS record(s) reach the wire via the send callback
// supplied at construction.
func (a *Adapter) Encrypt(plaintext []byte) error {
	_, err := a.conn.Write(plaintext)
	return err
}

// Decrypt delivers one received datagram and attempts to read out any
// application data it produced. A nil, nil return means the datagram
// was handshake or alert traffic with no payload to surface, matching
// the reference's SSL_ERROR_WANT_READ-is-not-fatal behavior.
func (a *Adapter) Decrypt(datagram []byte) ([]byte, error) {
	if len(datagram) > 0 {
		if err := a.pipe.deliver(datagram); err != nil {
			return nil, err
		}
	}

	if a.conn == nil {
		// Handshake still in flight: the datagram above was a
		// handshake flight pumped into the pipe, but there is no
		// session yet to read application data from.
		return nil, nil
	}

	a.conn.SetReadDeadline(time.Now().Add(readPollTimeout))
	buf := make([]byte, maxDatagramSize)
	n, err := a.conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// Close tears down the DTLS session.
func (a *Adapter) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// ConnectionState exposes the negotiated cipher suite name and peer
// certificate fingerprint, for status reporting.
type ConnectionState struct {
	CipherSuite       string
	PeerFingerprint   string
}

// State reports the negotiated session parameters after a successful
// handshake.
func (a *Adapter) State() ConnectionState {
	cs := a.conn.ConnectionState()
	var fp string
	if len(cs.PeerCertificates) > 0 {
		sum := sha256.Sum256(cs.PeerCertificates[0])
		b := make([]byte, 0, len(sum)*3)
		for i, v := range sum {
			if i > 0 {
				b = append(b, ':')
			}
			b = append(b, fmt.Sprintf("%02X", v)...)
		}
		fp = string(b)
	}
	return ConnectionState{
		CipherSuite:     cs.CipherSuiteID.String(),
		PeerFingerprint: fp,
	}
}
