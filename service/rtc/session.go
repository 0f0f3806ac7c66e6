// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
)

type Role int

const (
	RolePublisher Role = iota + 1
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleViewer:
		return "viewer"
	default:
		return "unknown"
	}
}

type iceState int

const (
	iceGathering iceState = iota
	iceChecking
	iceNominated
	iceFailed
)

type dtlsConnState int

const (
	dtlsAwaiting dtlsConnState = iota
	dtlsHandshaking
	dtlsEstablished
	dtlsFailed
)

// TrackParams carries the negotiated video track parameters for one leg.
type TrackParams struct {
	// PayloadType is the H.264 payload type number agreed in the SDP
	// exchange for this leg.
	PayloadType uint8
	// ClockRate is the RTP clock rate (90000 for video).
	ClockRate uint32
	// RemoteSSRC is the SSRC the remote end writes with (publishers).
	RemoteSSRC uint32
	// LocalSSRC is the SSRC we write with toward the remote (viewers).
	LocalSSRC uint32
}

// PendingOffer is produced by the signaling plane once an SDP answer has
// been issued and consumed by the media plane when the first STUN binding
// request matching its credentials arrives.
type PendingOffer struct {
	// SessionID uniquely identifies the session to be created.
	SessionID string
	// Role specifies whether the offerer publishes or views.
	Role Role
	// RoomID specifies the target room. Required for viewers, empty for
	// publishers.
	RoomID string
	// Local (answer) and remote (offer) ICE short-term credentials.
	LocalUfrag  string
	LocalPwd    string
	RemoteUfrag string
	RemotePwd   string
	// RemoteFingerprint is the SHA-256 certificate fingerprint advertised
	// in the remote's SDP, in colon-separated uppercase hex form.
	RemoteFingerprint string
	// Params carries the negotiated track parameters for this leg.
	Params TrackParams

	createdAt time.Time
}

func (o *PendingOffer) IsValid() error {
	if o == nil {
		return fmt.Errorf("offer should not be nil")
	}
	if o.SessionID == "" {
		return fmt.Errorf("invalid SessionID value: should not be empty")
	}
	if o.Role != RolePublisher && o.Role != RoleViewer {
		return fmt.Errorf("invalid Role value: %d", o.Role)
	}
	if o.Role == RoleViewer && o.RoomID == "" {
		return fmt.Errorf("invalid RoomID value: should not be empty for viewers")
	}
	if o.LocalUfrag == "" || o.LocalPwd == "" {
		return fmt.Errorf("invalid local ICE credentials: should not be empty")
	}
	if o.RemoteUfrag == "" || o.RemotePwd == "" {
		return fmt.Errorf("invalid remote ICE credentials: should not be empty")
	}
	if o.RemoteFingerprint == "" {
		return fmt.Errorf("invalid RemoteFingerprint value: should not be empty")
	}
	if o.Params.PayloadType == 0 {
		return fmt.Errorf("invalid PayloadType value: should not be zero")
	}
	return nil
}

type session struct {
	id    string
	role  Role
	offer *PendingOffer

	mut          sync.RWMutex
	ice          iceState
	dtls         dtlsConnState
	remoteAddr   *net.UDPAddr
	dtlsConn     *dtls.Conn
	dtlsPipe     *packetPipe
	srtp         *srtpSession
	roomID       string
	lastActivity time.Time
	createdAt    time.Time
	nominatedAt  time.Time
	closed       bool
	closeCh      chan struct{}

	// Hot-path state, touched only by the reader goroutine.
	replay       *replayBuffer
	reporter     *recvReporter
	nextNackAt   time.Time
	nextReportAt time.Time
}

func newSession(offer *PendingOffer, now time.Time) *session {
	return &session{
		id:           offer.SessionID,
		role:         offer.Role,
		offer:        offer,
		roomID:       offer.RoomID,
		ice:          iceChecking,
		dtls:         dtlsAwaiting,
		createdAt:    now,
		lastActivity: now,
		closeCh:      make(chan struct{}),
	}
}

func (us *session) touch(now time.Time) {
	us.mut.Lock()
	us.lastActivity = now
	us.mut.Unlock()
}

func (us *session) getRemoteAddr() *net.UDPAddr {
	us.mut.RLock()
	defer us.mut.RUnlock()
	return us.remoteAddr
}

func (us *session) getSRTP() *srtpSession {
	us.mut.RLock()
	defer us.mut.RUnlock()
	return us.srtp
}

func (us *session) iceSt() iceState {
	us.mut.RLock()
	defer us.mut.RUnlock()
	return us.ice
}

func (us *session) dtlsSt() dtlsConnState {
	us.mut.RLock()
	defer us.mut.RUnlock()
	return us.dtls
}

func (us *session) isClosed() bool {
	us.mut.RLock()
	defer us.mut.RUnlock()
	return us.closed
}

// nominate binds the session to its canonical 5-tuple. Returns false when
// the session was already nominated.
func (us *session) nominate(addr *net.UDPAddr, now time.Time) bool {
	us.mut.Lock()
	defer us.mut.Unlock()
	if us.ice == iceNominated {
		return false
	}
	us.ice = iceNominated
	us.remoteAddr = addr
	us.nominatedAt = now
	us.lastActivity = now
	return true
}

// installKeys moves the session to Established and installs the SRTP pair.
// The one-shot check gives exactly-once install semantics even if the
// DTLS completion races teardown.
func (us *session) installKeys(pair *srtpSession) bool {
	us.mut.Lock()
	defer us.mut.Unlock()
	if us.closed || us.dtls == dtlsEstablished {
		return false
	}
	us.dtls = dtlsEstablished
	us.srtp = pair
	return true
}
