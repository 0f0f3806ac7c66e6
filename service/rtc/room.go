// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"errors"
	"sort"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"golang.org/x/time/rate"

	"github.com/offcast/relayd/service/random"
	"github.com/offcast/relayd/service/rtc/h264"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrTooManyRooms   = errors.New("too many rooms")
	ErrTooManyViewers = errors.New("too many viewers")
)

const (
	// thumbnailMinInterval throttles keyframe submissions per room.
	thumbnailMinInterval = 3 * time.Second

	// receiverReportInterval paces RTCP receiver reports to the publisher.
	receiverReportInterval = 5 * time.Second

	// nackMinInterval paces upstream retransmission requests.
	nackMinInterval = 100 * time.Millisecond

	maxNacksPerRequest = 16
)

type room struct {
	id        string
	publisher *session
	viewers   map[string]*session
	thumbnail []byte
	assembler *h264.Assembler
	thumbRate *rate.Limiter
	createdAt time.Time
}

// ThumbnailSink receives assembled keyframes for off-path decoding.
// Submit must not block; a false return means the frame was dropped.
type ThumbnailSink interface {
	Submit(roomID string, frame []byte) bool
}

// onSessionEstablished wires a session into the room table once its DTLS
// handshake has completed and SRTP keys are installed.
func (s *Server) onSessionEstablished(us *session) {
	switch us.role {
	case RolePublisher:
		s.registerPublisher(us)
	case RoleViewer:
		s.registerViewer(us)
	}
}

func (s *Server) registerPublisher(us *session) {
	roomID := random.NewID()

	s.mut.Lock()
	if len(s.rooms) >= s.cfg.MaxRooms {
		s.mut.Unlock()
		s.log.Warn("rtc: room cap reached, rejecting publisher",
			mlog.String("sessionID", us.id))
		s.closeSession(us, "room cap reached")
		return
	}
	rm := &room{
		id:        roomID,
		publisher: us,
		viewers:   map[string]*session{},
		assembler: h264.NewAssembler(),
		thumbRate: rate.NewLimiter(rate.Every(thumbnailMinInterval), 1),
		createdAt: time.Now(),
	}
	s.rooms[roomID] = rm
	s.mut.Unlock()

	us.mut.Lock()
	us.roomID = roomID
	us.mut.Unlock()
	us.reporter = newRecvReporter(us.offer.Params.RemoteSSRC)

	s.metrics.IncRTCRooms()
	s.log.Info("rtc: room started",
		mlog.String("roomID", roomID),
		mlog.String("sessionID", us.id))

	s.publishEvent(RoomEvent{Type: EventRoomStarted, RoomID: roomID})
}

func (s *Server) registerViewer(us *session) {
	s.mut.Lock()
	rm, ok := s.rooms[us.roomID]
	if !ok {
		s.mut.Unlock()
		s.log.Debug("rtc: viewer session for missing room",
			mlog.String("sessionID", us.id),
			mlog.String("roomID", us.roomID))
		s.closeSession(us, "room not found")
		return
	}
	if len(rm.viewers) >= s.cfg.MaxViewersPerRoom {
		s.mut.Unlock()
		s.log.Warn("rtc: viewer cap reached, rejecting viewer",
			mlog.String("sessionID", us.id),
			mlog.String("roomID", us.roomID))
		s.closeSession(us, "viewer cap reached")
		return
	}
	rm.viewers[us.id] = us
	viewerCount := len(rm.viewers)
	publisher := rm.publisher
	s.mut.Unlock()

	us.replay = newReplayBuffer()

	s.log.Info("rtc: viewer joined room",
		mlog.String("roomID", us.roomID),
		mlog.String("sessionID", us.id),
		mlog.Int("viewerCount", viewerCount))

	s.publishEvent(RoomEvent{Type: EventRoomUpdated, RoomID: us.roomID, ViewerCount: viewerCount})

	// Ask the publisher for a fresh keyframe so the newcomer doesn't wait
	// for the next scheduled IDR.
	s.sendPLI(publisher)
}

// sendPLI requests an I-frame from the publisher on behalf of the relay.
func (s *Server) sendPLI(pub *session) {
	if pub == nil {
		return
	}
	pair := pub.getSRTP()
	addr := pub.getRemoteAddr()
	if pair == nil || addr == nil {
		return
	}

	pli := &rtcp.PictureLossIndication{
		SenderSSRC: pub.offer.Params.LocalSSRC,
		MediaSSRC:  pub.offer.Params.RemoteSSRC,
	}
	raw, err := rtcp.Marshal([]rtcp.Packet{pli})
	if err != nil {
		s.log.Error("rtc: failed to marshal PLI", mlog.Err(err))
		s.metrics.IncRTCErrors("rtcp")
		return
	}
	encrypted, err := pair.out.EncryptRTCP(nil, raw, nil)
	if err != nil {
		s.log.Error("rtc: failed to encrypt PLI", mlog.Err(err))
		s.metrics.IncRTCErrors("srtp")
		return
	}
	if _, err := s.conn.WriteTo(encrypted, addr); err != nil {
		s.metrics.IncRTCErrors("net")
		return
	}
	s.metrics.IncRTCPPackets("out")
}

// handleMedia routes an SRTP/SRTCP-class datagram from an established
// session.
func (s *Server) handleMedia(us *session, data []byte) {
	if us.dtlsSt() != dtlsEstablished {
		s.metrics.IncDroppedPackets("media_not_established")
		return
	}

	us.touch(time.Now())

	if isRTCP(data) {
		s.handleRTCP(us, data)
		return
	}

	if us.role == RolePublisher {
		s.handlePublisherRTP(us, data)
		return
	}

	// Viewers don't send media.
	s.metrics.IncDroppedPackets("media_unexpected")
}

// handlePublisherRTP is the hot path: one decrypt, then one encrypt and
// one send per attached viewer, plus a payload copy into the thumbnail
// feed.
func (s *Server) handlePublisherRTP(us *session, data []byte) {
	pair := us.getSRTP()
	if pair == nil {
		s.metrics.IncDroppedPackets("media_no_context")
		return
	}

	decrypted, err := pair.in.DecryptRTP(nil, data, nil)
	if err != nil {
		// Auth failure or replay: same treatment, silent drop.
		s.metrics.IncDroppedPackets("srtp_unprotect")
		return
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(decrypted); err != nil {
		s.metrics.IncDroppedPackets("rtp_malformed")
		return
	}

	s.metrics.IncRTPPackets("in")
	s.metrics.AddRTPPacketBytes("in", len(data))

	now := time.Now()
	isVideo := pkt.PayloadType == us.offer.Params.PayloadType

	if us.reporter != nil && isVideo {
		us.reporter.feed(pkt.SequenceNumber)
		s.maybeReportUpstream(us, now)
	}

	s.mut.RLock()
	rm := s.rooms[us.roomID]
	var viewers []*session
	if rm != nil {
		viewers = make([]*session, 0, len(rm.viewers))
		for _, v := range rm.viewers {
			viewers = append(viewers, v)
		}
	}
	s.mut.RUnlock()

	if rm == nil {
		s.metrics.IncDroppedPackets("room_gone")
		return
	}

	if isVideo {
		s.feedThumbnailer(rm, &pkt)
	}

	// A packet with no viewers attached still counts as processed.
	for _, v := range viewers {
		vpair := v.getSRTP()
		addr := v.getRemoteAddr()
		if vpair == nil || addr == nil {
			continue
		}

		// Rewrite into the viewer's egress namespace. Sequence number and
		// timestamp pass through untouched to keep jitter buffers honest.
		pkt.Header.SSRC = v.offer.Params.LocalSSRC
		pkt.Header.PayloadType = v.offer.Params.PayloadType

		raw, err := pkt.Marshal()
		if err != nil {
			s.metrics.IncRTCErrors("rtp")
			continue
		}

		encrypted, err := vpair.out.EncryptRTP(nil, raw, nil)
		if err != nil {
			s.metrics.IncRTCErrors("srtp")
			continue
		}

		if v.replay != nil {
			v.replay.put(pkt.SequenceNumber, encrypted)
		}

		if _, err := s.conn.WriteTo(encrypted, addr); err != nil {
			s.metrics.IncRTCErrors("net")
			continue
		}
		s.metrics.IncRTPPackets("out")
		s.metrics.AddRTPPacketBytes("out", len(encrypted))
	}
}

func (s *Server) feedThumbnailer(rm *room, pkt *rtp.Packet) {
	frame, err := rm.assembler.Push(pkt.Payload, pkt.Timestamp, pkt.Marker)
	if err != nil {
		// Thumbnail extraction is best-effort and never affects forwarding.
		s.metrics.IncRTCErrors("thumbnail_depacketize")
		return
	}
	if frame == nil || s.thumbSink == nil {
		return
	}
	if !rm.thumbRate.Allow() {
		return
	}
	if !s.thumbSink.Submit(rm.id, frame) {
		s.metrics.IncDroppedPackets("thumbnail_queue_full")
	}
}

// maybeReportUpstream sends pending NACKs and periodic receiver reports to
// the publisher. Runs on the read loop; pacing is per session.
func (s *Server) maybeReportUpstream(us *session, now time.Time) {
	pair := us.getSRTP()
	addr := us.getRemoteAddr()
	if pair == nil || addr == nil {
		return
	}

	var pkts []rtcp.Packet

	if now.After(us.nextNackAt) {
		if seqs := us.reporter.pendingNacks(maxNacksPerRequest); len(seqs) > 0 {
			nacks := make([]rtcp.NackPair, 0, len(seqs))
			for _, seq := range seqs {
				nacks = append(nacks, rtcp.NackPair{PacketID: seq})
			}
			pkts = append(pkts, &rtcp.TransportLayerNack{
				SenderSSRC: us.offer.Params.LocalSSRC,
				MediaSSRC:  us.offer.Params.RemoteSSRC,
				Nacks:      nacks,
			})
			us.nextNackAt = now.Add(nackMinInterval)
		}
	}

	if now.After(us.nextReportAt) {
		pkts = append(pkts, &rtcp.ReceiverReport{
			SSRC:    us.offer.Params.LocalSSRC,
			Reports: []rtcp.ReceptionReport{us.reporter.report()},
		})
		us.nextReportAt = now.Add(receiverReportInterval)
	}

	if len(pkts) == 0 {
		return
	}

	raw, err := rtcp.Marshal(pkts)
	if err != nil {
		s.metrics.IncRTCErrors("rtcp")
		return
	}
	encrypted, err := pair.out.EncryptRTCP(nil, raw, nil)
	if err != nil {
		s.metrics.IncRTCErrors("srtp")
		return
	}
	if _, err := s.conn.WriteTo(encrypted, addr); err != nil {
		s.metrics.IncRTCErrors("net")
		return
	}
	s.metrics.IncRTCPPackets("out")
}

func (s *Server) handleRTCP(us *session, data []byte) {
	pair := us.getSRTP()
	if pair == nil {
		s.metrics.IncDroppedPackets("media_no_context")
		return
	}

	decrypted, err := pair.in.DecryptRTCP(nil, data, nil)
	if err != nil {
		s.metrics.IncDroppedPackets("srtcp_unprotect")
		return
	}

	pkts, err := rtcp.Unmarshal(decrypted)
	if err != nil {
		s.metrics.IncDroppedPackets("rtcp_malformed")
		return
	}

	s.metrics.IncRTCPPackets("in")

	if us.role != RoleViewer {
		// Publisher sender reports are consumed for liveness only.
		return
	}

	s.mut.RLock()
	rm := s.rooms[us.roomID]
	var publisher *session
	if rm != nil {
		publisher = rm.publisher
	}
	s.mut.RUnlock()

	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.PictureLossIndication:
			s.sendPLI(publisher)
		case *rtcp.FullIntraRequest:
			s.sendPLI(publisher)
		case *rtcp.TransportLayerNack:
			s.serveNack(us, p)
		case *rtcp.ReceiverReport:
			// Viewer reception stats; nothing to relay.
		}
	}
}

// serveNack answers a viewer retransmission request from the viewer's
// replay ring. Packets that already fell out of the ring are gone; the
// decoder will recover on the next keyframe.
func (s *Server) serveNack(us *session, nack *rtcp.TransportLayerNack) {
	addr := us.getRemoteAddr()
	if addr == nil || us.replay == nil {
		return
	}

	for _, pair := range nack.Nacks {
		for _, seq := range pair.PacketList() {
			data := us.replay.get(seq)
			if data == nil {
				continue
			}
			if _, err := s.conn.WriteTo(data, addr); err != nil {
				s.metrics.IncRTCErrors("net")
				return
			}
			s.metrics.IncRTPPackets("out")
			s.metrics.AddRTPPacketBytes("out", len(data))
		}
	}
}

// RoomSnapshot returns the read model served to the signaling plane.
func (s *Server) RoomSnapshot() []RoomInfo {
	s.mut.RLock()
	infos := make([]RoomInfo, 0, len(s.rooms))
	for _, rm := range s.rooms {
		infos = append(infos, RoomInfo{
			ID:           rm.id,
			ViewerCount:  len(rm.viewers),
			HasThumbnail: len(rm.thumbnail) > 0,
		})
	}
	s.mut.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})

	return infos
}

// RoomThumbnail returns the last extracted thumbnail for the room.
func (s *Server) RoomThumbnail(roomID string) ([]byte, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if len(rm.thumbnail) == 0 {
		return nil, ErrRoomNotFound
	}
	thumb := make([]byte, len(rm.thumbnail))
	copy(thumb, rm.thumbnail)
	return thumb, nil
}

// SetRoomThumbnail installs a freshly encoded thumbnail. Called from the
// thumbnail worker pool.
func (s *Server) SetRoomThumbnail(roomID string, data []byte) {
	s.mut.Lock()
	rm, ok := s.rooms[roomID]
	if !ok {
		s.mut.Unlock()
		return
	}
	rm.thumbnail = data
	viewerCount := len(rm.viewers)
	s.mut.Unlock()

	s.publishEvent(RoomEvent{Type: EventThumbnailUpdated, RoomID: roomID, ViewerCount: viewerCount})
}

// HasRoom reports whether the room currently exists.
func (s *Server) HasRoom(roomID string) bool {
	s.mut.RLock()
	defer s.mut.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}
