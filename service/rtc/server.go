// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	udpSocketBufferSize = 1024 * 1024 * 16 // 16MB
	readBufferSize      = 2048
	sweepInterval       = time.Second
)

type Server struct {
	cfg     ServerConfig
	log     mlog.LoggerIFace
	metrics Metrics

	cert            tls.Certificate
	certFingerprint string

	conn      net.PacketConn
	thumbSink ThumbnailSink

	mut             sync.RWMutex
	offers          map[string]*PendingOffer
	sessionsByID    map[string]*session
	sessionsByUfrag map[string]*session
	sessionsByAddr  map[string]*session
	rooms           map[string]*room
	subscribers     map[string]chan RoomEvent

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewServer(cfg ServerConfig, log mlog.LoggerIFace, metrics Metrics) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics should not be nil")
	}

	cert, fingerprint, err := loadCertificate(cfg.CertsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load DTLS certificate: %w", err)
	}

	s := &Server{
		cfg:             cfg,
		log:             log,
		metrics:         metrics,
		cert:            cert,
		certFingerprint: fingerprint,
		offers:          map[string]*PendingOffer{},
		sessionsByID:    map[string]*session{},
		sessionsByUfrag: map[string]*session{},
		sessionsByAddr:  map[string]*session{},
		rooms:           map[string]*room{},
		subscribers:     map[string]chan RoomEvent{},
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}

	return s, nil
}

// CertFingerprint returns the SHA-256 fingerprint of the process DTLS
// certificate, as advertised in SDP answers.
func (s *Server) CertFingerprint() string {
	return s.certFingerprint
}

// SetThumbnailSink wires the worker pool receiving assembled keyframes.
// Must be called before Start.
func (s *Server) SetThumbnailSink(sink ThumbnailSink) {
	s.thumbSink = sink
}

func (s *Server) Start() error {
	listenConfig := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if err != nil {
					s.log.Error("failed to set reuseaddr option", mlog.Err(err))
				}
			})
		},
	}

	listenAddress := fmt.Sprintf("%s:%d", s.cfg.UDPAddress, s.cfg.UDPPort)
	udpConn, err := listenConfig.ListenPacket(context.Background(), "udp4", listenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on udp: %w", err)
	}

	s.log.Info(fmt.Sprintf("rtc: server is listening on udp %d", s.cfg.UDPPort))

	if err := udpConn.(*net.UDPConn).SetWriteBuffer(udpSocketBufferSize); err != nil {
		s.log.Warn("rtc: failed to set udp send buffer", mlog.Err(err))
	}

	if err := udpConn.(*net.UDPConn).SetReadBuffer(udpSocketBufferSize); err != nil {
		s.log.Warn("rtc: failed to set udp receive buffer", mlog.Err(err))
	}

	s.conn = udpConn

	go s.reader()
	go s.sweeper()

	return nil
}

func (s *Server) Stop() error {
	close(s.stopCh)

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			return fmt.Errorf("failed to close udp conn: %w", err)
		}
	}

	<-s.doneCh

	s.mut.Lock()
	sessions := make([]*session, 0, len(s.sessionsByID))
	for _, us := range s.sessionsByID {
		sessions = append(sessions, us)
	}
	s.mut.Unlock()

	for _, us := range sessions {
		s.closeSession(us, "server shutdown")
	}

	s.mut.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mut.Unlock()

	s.log.Info("rtc: server was shutdown")

	return nil
}

// reader is the single goroutine owning inbound dispatch order. Every
// datagram is classified and routed; per-datagram failures never
// propagate.
func (s *Server) reader() {
	defer close(s.doneCh)

	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.log.Error("rtc: failed to read from udp", mlog.Err(err))
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		s.handlePacket(buf[:n], udpAddr)
	}
}

func (s *Server) handlePacket(data []byte, raddr *net.UDPAddr) {
	class := classifyPacket(data)

	if class == packetClassUnknown {
		s.metrics.IncDroppedPackets("unclassified")
		return
	}

	s.mut.RLock()
	us := s.sessionsByAddr[raddr.String()]
	s.mut.RUnlock()

	if us == nil {
		// Unknown 5-tuple: only an authenticated STUN binding request can
		// get in.
		if class != packetClassSTUN {
			s.metrics.IncDroppedPackets("unknown_addr")
			return
		}
		s.handleSTUN(data, raddr)
		return
	}

	switch class {
	case packetClassSTUN:
		s.handleSTUN(data, raddr)
	case packetClassDTLS:
		us.touch(time.Now())
		s.handleDTLS(us, data)
	case packetClassMedia:
		s.handleMedia(us, data)
	}
}

// sweeper services the timer wheel: pending offer expiry, handshake
// deadlines and idle session teardown.
func (s *Server) sweeper() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Server) sweep(now time.Time) {
	iceTimeout := s.cfg.iceTimeout()
	dtlsTimeout := s.cfg.dtlsTimeout()
	idleTimeout := s.cfg.idleTimeout()

	s.mut.Lock()
	for ufrag, offer := range s.offers {
		if now.Sub(offer.createdAt) > iceTimeout {
			delete(s.offers, ufrag)
			s.log.Debug("rtc: pending offer expired", mlog.String("sessionID", offer.SessionID))
			s.metrics.IncRTCConnState("offer_expired")
		}
	}

	var stale []*session
	var reasons []string
	for _, us := range s.sessionsByID {
		us.mut.RLock()
		ice := us.ice
		dtls := us.dtls
		createdAt := us.createdAt
		nominatedAt := us.nominatedAt
		lastActivity := us.lastActivity
		us.mut.RUnlock()

		switch {
		case ice != iceNominated && now.Sub(createdAt) > iceTimeout:
			stale = append(stale, us)
			reasons = append(reasons, "ice timeout")
		case ice == iceNominated && dtls != dtlsEstablished && now.Sub(nominatedAt) > dtlsTimeout:
			stale = append(stale, us)
			reasons = append(reasons, "dtls timeout")
		case now.Sub(lastActivity) > idleTimeout:
			stale = append(stale, us)
			reasons = append(reasons, "idle timeout")
		}
	}
	s.mut.Unlock()

	for i, us := range stale {
		s.closeSession(us, reasons[i])
	}
}

// RegisterPendingOffer makes the media plane expect a session with the
// given credentials. Resource caps are enforced here so the signaling
// plane can surface typed errors before answering.
func (s *Server) RegisterPendingOffer(offer *PendingOffer) error {
	if err := offer.IsValid(); err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	if _, ok := s.offers[offer.LocalUfrag]; ok {
		return fmt.Errorf("offer already registered for ufrag %q", offer.LocalUfrag)
	}

	switch offer.Role {
	case RolePublisher:
		if len(s.rooms) >= s.cfg.MaxRooms {
			return ErrTooManyRooms
		}
	case RoleViewer:
		rm, ok := s.rooms[offer.RoomID]
		if !ok {
			return ErrRoomNotFound
		}
		if len(rm.viewers) >= s.cfg.MaxViewersPerRoom {
			return ErrTooManyViewers
		}
	}

	offer.createdAt = time.Now()
	s.offers[offer.LocalUfrag] = offer

	s.log.Debug("rtc: pending offer registered",
		mlog.String("sessionID", offer.SessionID),
		mlog.String("role", offer.Role.String()))

	return nil
}

// CloseSession tears down the session with the given id. Used by the
// signaling plane on WHIP/WHEP DELETE.
func (s *Server) CloseSession(sessionID string) error {
	s.mut.RLock()
	us := s.sessionsByID[sessionID]
	s.mut.RUnlock()

	if us == nil {
		// The session may still be a pending offer.
		s.mut.Lock()
		for ufrag, offer := range s.offers {
			if offer.SessionID == sessionID {
				delete(s.offers, ufrag)
				s.mut.Unlock()
				return nil
			}
		}
		s.mut.Unlock()
		return fmt.Errorf("session not found: %s", sessionID)
	}

	s.closeSession(us, "client request")

	return nil
}

// closeSession tears a session down. Idempotent; a publisher teardown
// cascades to every viewer of its room.
func (s *Server) closeSession(us *session, reason string) {
	us.mut.Lock()
	if us.closed {
		us.mut.Unlock()
		return
	}
	us.closed = true
	close(us.closeCh)
	dtlsConn := us.dtlsConn
	pipe := us.dtlsPipe
	addr := us.remoteAddr
	roomID := us.roomID
	us.mut.Unlock()

	if dtlsConn != nil {
		_ = dtlsConn.Close()
	}
	if pipe != nil {
		_ = pipe.Close()
	}

	var cascade []*session
	var roomStopped bool
	var viewerCount int

	s.mut.Lock()
	delete(s.sessionsByID, us.id)
	delete(s.sessionsByUfrag, us.offer.LocalUfrag)
	if addr != nil {
		delete(s.sessionsByAddr, addr.String())
	}

	if rm, ok := s.rooms[roomID]; ok {
		switch us.role {
		case RolePublisher:
			if rm.publisher == us {
				delete(s.rooms, roomID)
				roomStopped = true
				for _, v := range rm.viewers {
					cascade = append(cascade, v)
				}
			}
		case RoleViewer:
			delete(rm.viewers, us.id)
			viewerCount = len(rm.viewers)
		}
	}
	s.mut.Unlock()

	s.metrics.DecRTCSessions(us.role.String())
	s.log.Debug("rtc: session closed",
		mlog.String("sessionID", us.id),
		mlog.String("role", us.role.String()),
		mlog.String("reason", reason))

	if roomStopped {
		s.metrics.DecRTCRooms()
		s.log.Info("rtc: room stopped", mlog.String("roomID", roomID))
		s.publishEvent(RoomEvent{Type: EventRoomStopped, RoomID: roomID})
		for _, v := range cascade {
			s.closeSession(v, "publisher left")
		}
	} else if us.role == RoleViewer && roomID != "" {
		s.publishEvent(RoomEvent{Type: EventRoomUpdated, RoomID: roomID, ViewerCount: viewerCount})
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return len(s.sessionsByID)
}
