// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/require"
)

// genCertificate writes a self-signed ECDSA certificate pair into dir and
// returns the parsed certificate.
func genCertificate(t *testing.T, dir string) tls.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "relayd",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	require.NoError(t, os.WriteFile(filepath.Join(dir, certFileName), certOut, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyFileName), keyOut, 0600))

	cert, err := tls.X509KeyPair(certOut, keyOut)
	require.NoError(t, err)
	cert.Leaf, err = x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert
}

type fakeMetrics struct {
	mut      sync.Mutex
	counters map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		counters: map[string]int{},
	}
}

func (m *fakeMetrics) inc(key string) {
	m.mut.Lock()
	m.counters[key]++
	m.mut.Unlock()
}

func (m *fakeMetrics) get(key string) int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.counters[key]
}

func (m *fakeMetrics) IncRTCSessions(role string)            { m.inc("sessions_" + role) }
func (m *fakeMetrics) DecRTCSessions(role string)            { m.inc("sessions_closed_" + role) }
func (m *fakeMetrics) IncRTCRooms()                          { m.inc("rooms") }
func (m *fakeMetrics) DecRTCRooms()                          { m.inc("rooms_closed") }
func (m *fakeMetrics) IncRTCConnState(state string)          { m.inc("state_" + state) }
func (m *fakeMetrics) IncRTPPackets(direction string)        { m.inc("rtp_" + direction) }
func (m *fakeMetrics) AddRTPPacketBytes(direction string, _ int) {
	m.inc("rtp_bytes_" + direction)
}
func (m *fakeMetrics) IncRTCPPackets(direction string) { m.inc("rtcp_" + direction) }
func (m *fakeMetrics) IncRTCErrors(errType string)     { m.inc("errors_" + errType) }
func (m *fakeMetrics) IncDroppedPackets(reason string) { m.inc("dropped_" + reason) }

type packetRecord struct {
	data []byte
	addr net.Addr
}

// fakeConn records every datagram the server writes out.
type fakeConn struct {
	laddr net.Addr

	mut     sync.Mutex
	packets []packetRecord
	readCh  chan packetRecord
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		laddr:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8443},
		readCh: make(chan packetRecord, 256),
	}
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	rec, ok := <-c.readCh
	if !ok {
		return 0, nil, net.ErrClosed
	}
	n := copy(b, rec.data)
	return n, rec.addr, nil
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	data := make([]byte, len(b))
	copy(data, b)
	c.mut.Lock()
	c.packets = append(c.packets, packetRecord{data: data, addr: addr})
	c.mut.Unlock()
	return len(b), nil
}

func (c *fakeConn) writesTo(addr net.Addr) [][]byte {
	c.mut.Lock()
	defer c.mut.Unlock()
	var out [][]byte
	for _, rec := range c.packets {
		if rec.addr.String() == addr.String() {
			out = append(out, rec.data)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mut.Lock()
	c.packets = nil
	c.mut.Unlock()
}

func (c *fakeConn) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if !c.closed {
		c.closed = true
		close(c.readCh)
	}
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr                { return c.laddr }
func (c *fakeConn) SetDeadline(_ time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(_ time.Time) error { return nil }

func defaultTestServerConfig(t *testing.T) ServerConfig {
	t.Helper()
	dir := t.TempDir()
	genCertificate(t, dir)
	return ServerConfig{
		UDPAddress:        "127.0.0.1",
		UDPPort:           8443,
		CertsDir:          dir,
		MaxRooms:          8,
		MaxViewersPerRoom: 8,
		ICETimeoutSecs:    15,
		DTLSTimeoutSecs:   10,
		IdleTimeoutSecs:   30,
	}
}

// newTestServer builds a server wired to a fake socket. The read loop is
// not started; tests drive handlePacket directly.
func newTestServer(t *testing.T) (*Server, *fakeConn, *fakeMetrics) {
	t.Helper()

	log, err := mlog.NewLogger()
	require.NoError(t, err)

	metrics := newFakeMetrics()
	s, err := NewServer(defaultTestServerConfig(t), log, metrics)
	require.NoError(t, err)

	conn := newFakeConn()
	s.conn = conn

	return s, conn, metrics
}

type useCandidateSetter struct{}

func (useCandidateSetter) AddTo(m *stun.Message) error {
	m.Add(stun.AttrUseCandidate, nil)
	return nil
}

// newBindingRequest builds an authenticated connectivity check the way a
// remote ICE agent would.
func newBindingRequest(t *testing.T, username, pwd string, useCandidate bool) *stun.Message {
	t.Helper()

	setters := []stun.Setter{
		stun.TransactionID,
		stun.BindingRequest,
		stun.NewUsername(username),
	}
	if useCandidate {
		setters = append(setters, useCandidateSetter{})
	}
	setters = append(setters, stun.NewShortTermIntegrity(pwd), stun.Fingerprint)

	msg, err := stun.Build(setters...)
	require.NoError(t, err)
	return msg
}

func testPendingOffer(sessionID, localUfrag string, role Role, roomID string) *PendingOffer {
	return &PendingOffer{
		SessionID:         sessionID,
		Role:              role,
		RoomID:            roomID,
		LocalUfrag:        localUfrag,
		LocalPwd:          "pw01",
		RemoteUfrag:       "BBBB",
		RemotePwd:         "remotepw",
		RemoteFingerprint: "00:11:22",
		Params: TrackParams{
			PayloadType: 102,
			ClockRate:   90000,
			RemoteSSRC:  0x11223344,
			LocalSSRC:   0x55667788,
		},
	}
}
