// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/dtls/v3"
)

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"
)

// loadCertificate reads the process-wide DTLS certificate pair from dir
// and returns it along with the SHA-256 fingerprint advertised in SDP
// answers.
func loadCertificate(dir string) (tls.Certificate, string, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, certFileName), filepath.Join(dir, keyFileName))
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("failed to load certificate pair: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, "", fmt.Errorf("certificate chain is empty")
	}
	return cert, certFingerprint(cert.Certificate[0]), nil
}

// certFingerprint returns the SHA-256 digest of the DER certificate in the
// colon-separated uppercase form used by SDP fingerprint attributes.
func certFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// startDTLS kicks off the server-side handshake for a freshly nominated
// session. The handshake itself runs in its own goroutine; inbound records
// flow through the session's packet pipe.
func (s *Server) startDTLS(us *session) {
	pipe := newPacketPipe(s.conn, s.conn.LocalAddr(), us.getRemoteAddr())

	us.mut.Lock()
	if us.closed || us.dtls != dtlsAwaiting {
		us.mut.Unlock()
		pipe.Close()
		return
	}
	us.dtls = dtlsHandshaking
	us.dtlsPipe = pipe
	us.mut.Unlock()

	go s.runDTLSHandshake(us, pipe)
}

func (s *Server) runDTLSHandshake(us *session, pipe *packetPipe) {
	expectedFingerprint := us.offer.RemoteFingerprint

	cfg := &dtls.Config{
		Certificates: []tls.Certificate{s.cert},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
		ClientAuth:           dtls.RequireAnyClientCert,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		LoggerFactory:        s,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("no certificate presented")
			}
			fp := certFingerprint(rawCerts[0])
			if !strings.EqualFold(fp, expectedFingerprint) {
				return fmt.Errorf("certificate fingerprint mismatch")
			}
			return nil
		},
	}

	conn, err := dtls.Server(pipe, us.getRemoteAddr(), cfg)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.dtlsTimeout())
		err = conn.HandshakeContext(ctx)
		fmt.Println("SERVER handshake returned err:", err)
		cancel()
	}
	if err != nil {
		s.log.Debug("rtc: dtls handshake failed",
			mlog.Err(err),
			mlog.String("sessionID", us.id))
		s.metrics.IncRTCConnState("dtls_failed")
		us.mut.Lock()
		us.dtls = dtlsFailed
		us.mut.Unlock()
		s.closeSession(us, "dtls handshake failed")
		return
	}

	state, ok := conn.ConnectionState()
	if !ok {
		s.metrics.IncRTCErrors("dtls")
		s.closeSession(us, "dtls state unavailable")
		return
	}

	keyingMaterial, err := state.ExportKeyingMaterial(srtpExporterLabel, nil, srtpKeyingMaterialLen)
	if err != nil {
		s.log.Error("rtc: failed to export keying material",
			mlog.Err(err),
			mlog.String("sessionID", us.id))
		s.metrics.IncRTCErrors("dtls")
		s.closeSession(us, "keying material export failed")
		return
	}

	pair, err := newSRTPSession(keyingMaterial)
	if err != nil {
		s.log.Error("rtc: failed to create srtp session",
			mlog.Err(err),
			mlog.String("sessionID", us.id))
		s.metrics.IncRTCErrors("srtp")
		s.closeSession(us, "srtp setup failed")
		return
	}

	if !us.installKeys(pair) {
		conn.Close()
		return
	}

	us.mut.Lock()
	us.dtlsConn = conn
	us.mut.Unlock()

	s.log.Debug("rtc: dtls established",
		mlog.String("sessionID", us.id),
		mlog.String("role", us.role.String()))
	s.metrics.IncRTCConnState("established")

	s.onSessionEstablished(us)
}

// handleDTLS routes an inbound DTLS record to the session's endpoint.
func (s *Server) handleDTLS(us *session, data []byte) {
	us.mut.RLock()
	pipe := us.dtlsPipe
	state := us.dtls
	us.mut.RUnlock()

	if pipe == nil || (state != dtlsHandshaking && state != dtlsEstablished) {
		s.metrics.IncDroppedPackets("dtls_no_session")
		return
	}

	if !pipe.feed(data) {
		s.metrics.IncDroppedPackets("dtls_backpressure")
	}
}
