// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

// establishSession drives a pending offer all the way to an established
// session without a real DTLS handshake, installing SRTP contexts derived
// from fresh keying material. The returned remote pair mirrors what the
// peer would derive.
func establishSession(t *testing.T, s *Server, offer *PendingOffer, raddr *net.UDPAddr) (*session, *srtpSession) {
	t.Helper()

	require.NoError(t, s.RegisterPendingOffer(offer))

	km := newTestKeyingMaterial(t)
	local, err := newSRTPSession(km)
	require.NoError(t, err)
	remote := newRemoteSRTPSession(t, km)

	s.mut.RLock()
	pending := s.offers[offer.LocalUfrag]
	s.mut.RUnlock()
	require.NotNil(t, pending)

	us := s.consumeOffer(pending, time.Now())
	require.NotNil(t, us)
	require.True(t, us.nominate(raddr, time.Now()))
	s.bindSessionAddr(us, raddr)
	require.True(t, us.installKeys(local))
	s.onSessionEstablished(us)

	return us, remote
}

func setupRoom(t *testing.T, s *Server, viewerSSRCs []uint32) (pub *session, pubRemote *srtpSession, pubAddr *net.UDPAddr, viewers []*session, viewerRemotes []*srtpSession, viewerAddrs []*net.UDPAddr) {
	t.Helper()

	pubAddr = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 40000}
	pubOffer := testPendingOffer("pub", "AAAA", RolePublisher, "")
	pub, pubRemote = establishSession(t, s, pubOffer, pubAddr)

	snapshot := s.RoomSnapshot()
	require.Len(t, snapshot, 1)
	roomID := snapshot[0].ID

	for i, ssrc := range viewerSSRCs {
		addr := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 20), Port: 41000 + i}
		offer := testPendingOffer(fmt.Sprintf("viewer%d", i), fmt.Sprintf("VFRG%d", i), RoleViewer, roomID)
		offer.Params.LocalSSRC = ssrc
		offer.Params.PayloadType = 96

		v, remote := establishSession(t, s, offer, addr)
		viewers = append(viewers, v)
		viewerRemotes = append(viewerRemotes, remote)
		viewerAddrs = append(viewerAddrs, addr)
	}

	return pub, pubRemote, pubAddr, viewers, viewerRemotes, viewerAddrs
}

func encryptPublisherRTP(t *testing.T, remote *srtpSession, pkt *rtp.Packet) []byte {
	t.Helper()
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	encrypted, err := remote.out.EncryptRTP(nil, raw, nil)
	require.NoError(t, err)
	return encrypted
}

func TestFanOutToViewers(t *testing.T) {
	s, conn, _ := newTestServer(t)

	_, pubRemote, pubAddr, viewers, viewerRemotes, viewerAddrs := setupRoom(t, s, []uint32{0xA, 0xB, 0xC})
	conn.reset()

	pkt := newTestRTPPacket(0x11223344, 1000, 90000, 100)
	s.handlePacket(encryptPublisherRTP(t, pubRemote, pkt), pubAddr)

	for i := range viewers {
		writes := conn.writesTo(viewerAddrs[i])
		require.Len(t, writes, 1, "viewer %d", i)

		decrypted, err := viewerRemotes[i].in.DecryptRTP(nil, writes[0], nil)
		require.NoError(t, err)

		var out rtp.Packet
		require.NoError(t, out.Unmarshal(decrypted))

		require.Equal(t, viewers[i].offer.Params.LocalSSRC, out.SSRC)
		require.Equal(t, uint8(96), out.PayloadType)
		require.Equal(t, uint16(1000), out.SequenceNumber)
		require.Equal(t, uint32(90000), out.Timestamp)
		require.Equal(t, pkt.Payload, out.Payload)
	}
}

func TestFanOutPreservesOrder(t *testing.T) {
	s, conn, _ := newTestServer(t)

	_, pubRemote, pubAddr, _, viewerRemotes, viewerAddrs := setupRoom(t, s, []uint32{0xA, 0xB})
	conn.reset()

	const numPackets = 10
	for i := 0; i < numPackets; i++ {
		pkt := newTestRTPPacket(0x11223344, uint16(1000+i), uint32(90000+i*3000), 50)
		s.handlePacket(encryptPublisherRTP(t, pubRemote, pkt), pubAddr)
	}

	for i, addr := range viewerAddrs {
		writes := conn.writesTo(addr)
		require.Len(t, writes, numPackets)

		for j, data := range writes {
			decrypted, err := viewerRemotes[i].in.DecryptRTP(nil, data, nil)
			require.NoError(t, err)
			var out rtp.Packet
			require.NoError(t, out.Unmarshal(decrypted))
			require.Equal(t, uint16(1000+j), out.SequenceNumber)
		}
	}
}

func TestPublisherRTPNoViewers(t *testing.T) {
	s, conn, metrics := newTestServer(t)

	_, pubRemote, pubAddr, _, _, _ := setupRoom(t, s, nil)
	conn.reset()

	pkt := newTestRTPPacket(0x11223344, 1000, 90000, 100)
	s.handlePacket(encryptPublisherRTP(t, pubRemote, pkt), pubAddr)

	// Processed without error; nothing forwarded.
	require.Equal(t, 1, metrics.get("rtp_in"))
	require.Equal(t, 0, metrics.get("rtp_out"))
}

func TestSRTPReplayedDatagramProducesNoOutput(t *testing.T) {
	s, conn, metrics := newTestServer(t)

	_, pubRemote, pubAddr, _, _, viewerAddrs := setupRoom(t, s, []uint32{0xA})
	conn.reset()

	pkt := newTestRTPPacket(0x11223344, 1000, 90000, 100)
	encrypted := encryptPublisherRTP(t, pubRemote, pkt)

	s.handlePacket(encrypted, pubAddr)
	require.Len(t, conn.writesTo(viewerAddrs[0]), 1)

	// Replay the captured datagram.
	s.handlePacket(encrypted, pubAddr)
	require.Len(t, conn.writesTo(viewerAddrs[0]), 1)
	require.Equal(t, 1, metrics.get("dropped_srtp_unprotect"))
}

func TestMediaBeforeEstablishedDropped(t *testing.T) {
	s, conn, metrics := newTestServer(t)

	offer := testPendingOffer("pub", "AAAA", RolePublisher, "")
	require.NoError(t, s.RegisterPendingOffer(offer))

	s.mut.RLock()
	pending := s.offers["AAAA"]
	s.mut.RUnlock()
	us := s.consumeOffer(pending, time.Now())
	raddr := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 40000}
	require.True(t, us.nominate(raddr, time.Now()))
	s.bindSessionAddr(us, raddr)

	s.handlePacket([]byte{0x80, 0x66, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, raddr)

	require.Empty(t, conn.writesTo(raddr))
	require.Equal(t, 1, metrics.get("dropped_media_not_established"))
}

func TestPublisherLeaveCascades(t *testing.T) {
	s, conn, _ := newTestServer(t)

	pub, pubRemote, pubAddr, viewers, _, viewerAddrs := setupRoom(t, s, []uint32{0xA, 0xB, 0xC})

	subID, events := s.Subscribe()
	defer s.Unsubscribe(subID)

	require.NoError(t, s.CloseSession(pub.id))

	// Room is gone from the snapshot.
	require.Empty(t, s.RoomSnapshot())

	// All viewer sessions died with it.
	require.Equal(t, 0, s.SessionCount())
	for _, v := range viewers {
		require.True(t, v.isClosed())
	}

	// A room_stopped event was published.
	var stopped bool
	for len(events) > 0 {
		ev := <-events
		if ev.Type == EventRoomStopped {
			stopped = true
		}
	}
	require.True(t, stopped)

	// Idempotent.
	s.closeSession(pub, "again")

	// Subsequent datagrams on any involved 5-tuple produce no output.
	conn.reset()
	pkt := newTestRTPPacket(0x11223344, 1001, 93000, 100)
	s.handlePacket(encryptPublisherRTP(t, pubRemote, pkt), pubAddr)
	for _, addr := range viewerAddrs {
		require.Empty(t, conn.writesTo(addr))
	}
	require.Empty(t, conn.writesTo(pubAddr))
}

func TestViewerLeaveUpdatesRoom(t *testing.T) {
	s, _, _ := newTestServer(t)

	_, _, _, viewers, _, _ := setupRoom(t, s, []uint32{0xA, 0xB})

	require.NoError(t, s.CloseSession(viewers[0].id))

	snapshot := s.RoomSnapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, 1, snapshot[0].ViewerCount)

	// The room survives its viewers.
	require.NoError(t, s.CloseSession(viewers[1].id))
	snapshot = s.RoomSnapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, 0, snapshot[0].ViewerCount)
}

func TestViewerJoinTriggersPLI(t *testing.T) {
	s, conn, _ := newTestServer(t)

	pubAddr := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 40000}
	pubOffer := testPendingOffer("pub", "AAAA", RolePublisher, "")
	pub, pubRemote := establishSession(t, s, pubOffer, pubAddr)

	roomID := s.RoomSnapshot()[0].ID
	conn.reset()

	viewerAddr := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 20), Port: 41000}
	viewerOffer := testPendingOffer("viewer0", "VFRG0", RoleViewer, roomID)
	establishSession(t, s, viewerOffer, viewerAddr)

	writes := conn.writesTo(pubAddr)
	require.Len(t, writes, 1)

	decrypted, err := pubRemote.in.DecryptRTCP(nil, writes[0], nil)
	require.NoError(t, err)
	pkts, err := rtcp.Unmarshal(decrypted)
	require.NoError(t, err)
	require.Len(t, pkts, 1)

	pli, ok := pkts[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	require.Equal(t, pub.offer.Params.RemoteSSRC, pli.MediaSSRC)
	require.Equal(t, pub.offer.Params.LocalSSRC, pli.SenderSSRC)
}

func TestViewerPLIForwardedUpstream(t *testing.T) {
	s, conn, _ := newTestServer(t)

	pub, pubRemote, pubAddr, viewers, viewerRemotes, viewerAddrs := setupRoom(t, s, []uint32{0xA})
	conn.reset()

	pli := &rtcp.PictureLossIndication{
		SenderSSRC: 0x1,
		MediaSSRC:  viewers[0].offer.Params.LocalSSRC,
	}
	raw, err := rtcp.Marshal([]rtcp.Packet{pli})
	require.NoError(t, err)
	encrypted, err := viewerRemotes[0].out.EncryptRTCP(nil, raw, nil)
	require.NoError(t, err)

	s.handlePacket(encrypted, viewerAddrs[0])

	writes := conn.writesTo(pubAddr)
	require.Len(t, writes, 1)

	decrypted, err := pubRemote.in.DecryptRTCP(nil, writes[0], nil)
	require.NoError(t, err)
	pkts, err := rtcp.Unmarshal(decrypted)
	require.NoError(t, err)

	fwd, ok := pkts[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	require.Equal(t, pub.offer.Params.RemoteSSRC, fwd.MediaSSRC)
}

func TestViewerNackServedFromReplayBuffer(t *testing.T) {
	s, conn, _ := newTestServer(t)

	_, pubRemote, pubAddr, viewers, viewerRemotes, viewerAddrs := setupRoom(t, s, []uint32{0xA})
	conn.reset()

	pkt := newTestRTPPacket(0x11223344, 1000, 90000, 100)
	s.handlePacket(encryptPublisherRTP(t, pubRemote, pkt), pubAddr)

	writes := conn.writesTo(viewerAddrs[0])
	require.Len(t, writes, 1)
	sent := writes[0]

	nack := &rtcp.TransportLayerNack{
		SenderSSRC: 0x1,
		MediaSSRC:  viewers[0].offer.Params.LocalSSRC,
		Nacks:      []rtcp.NackPair{{PacketID: 1000}},
	}
	raw, err := rtcp.Marshal([]rtcp.Packet{nack})
	require.NoError(t, err)
	encrypted, err := viewerRemotes[0].out.EncryptRTCP(nil, raw, nil)
	require.NoError(t, err)

	s.handlePacket(encrypted, viewerAddrs[0])

	writes = conn.writesTo(viewerAddrs[0])
	require.Len(t, writes, 2)
	// The retransmission is the identical ciphertext.
	require.Equal(t, sent, writes[1])
}

type fakeSink struct {
	frames chan []byte
	full   bool
}

func (f *fakeSink) Submit(_ string, frame []byte) bool {
	if f.full {
		return false
	}
	select {
	case f.frames <- frame:
		return true
	default:
		return false
	}
}

func stapAPayload(nals ...[]byte) []byte {
	out := []byte{24}
	for _, nal := range nals {
		out = append(out, byte(len(nal)>>8), byte(len(nal)))
		out = append(out, nal...)
	}
	return out
}

func TestThumbnailFeed(t *testing.T) {
	s, _, _ := newTestServer(t)
	sink := &fakeSink{frames: make(chan []byte, 4)}
	s.thumbSink = sink

	_, pubRemote, pubAddr, _, _, _ := setupRoom(t, s, nil)

	sps := []byte{0x67, 0x42, 0x00, 0x1e}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := []byte{0x65, 0xaa, 0xbb, 0xcc}

	keyframe := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    102,
			SequenceNumber: 2000,
			Timestamp:      180000,
			SSRC:           0x11223344,
			Marker:         true,
		},
		Payload: stapAPayload(sps, pps, idr),
	}

	s.handlePacket(encryptPublisherRTP(t, pubRemote, keyframe), pubAddr)

	select {
	case frame := <-sink.frames:
		require.Contains(t, string(frame), string(sps))
		require.Contains(t, string(frame), string(idr))
	default:
		require.FailNow(t, "expected a submitted keyframe")
	}

	// A second keyframe right away is throttled.
	keyframe.Header.SequenceNumber = 2001
	keyframe.Header.Timestamp += 3000
	s.handlePacket(encryptPublisherRTP(t, pubRemote, keyframe), pubAddr)
	require.Empty(t, sink.frames)
}
