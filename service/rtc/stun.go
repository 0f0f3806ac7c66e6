// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"net"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/stun/v3"
)

// handleSTUN implements the ICE-lite responder side of connectivity
// checks. Any validation failure is a silent drop: ICE peers retry and an
// error response would only leak state to unauthenticated senders.
func (s *Server) handleSTUN(data []byte, raddr *net.UDPAddr) {
	msg := &stun.Message{Raw: data}
	if err := msg.Decode(); err != nil {
		s.metrics.IncDroppedPackets("stun_malformed")
		return
	}

	if msg.Type != stun.BindingRequest {
		s.metrics.IncDroppedPackets("stun_unexpected_type")
		return
	}

	if err := stun.Fingerprint.Check(msg); err != nil {
		s.metrics.IncDroppedPackets("stun_fingerprint")
		return
	}

	var username stun.Username
	if err := username.GetFrom(msg); err != nil {
		s.metrics.IncDroppedPackets("stun_username")
		return
	}
	localUfrag, remoteUfrag, found := strings.Cut(username.String(), ":")
	if !found {
		s.metrics.IncDroppedPackets("stun_username")
		return
	}

	s.mut.RLock()
	us := s.sessionsByUfrag[localUfrag]
	offer := s.offers[localUfrag]
	s.mut.RUnlock()

	var localPwd string
	switch {
	case us != nil:
		if us.offer.RemoteUfrag != remoteUfrag {
			s.metrics.IncDroppedPackets("stun_credentials")
			return
		}
		localPwd = us.offer.LocalPwd
	case offer != nil:
		if offer.RemoteUfrag != remoteUfrag {
			s.metrics.IncDroppedPackets("stun_credentials")
			return
		}
		localPwd = offer.LocalPwd
	default:
		s.metrics.IncDroppedPackets("stun_unknown_ufrag")
		return
	}

	// MESSAGE-INTEGRITY keyed by our short-term credential. This is the
	// authentication gate: a pending offer is only consumed past this
	// point.
	if err := stun.NewShortTermIntegrity(localPwd).Check(msg); err != nil {
		s.metrics.IncDroppedPackets("stun_integrity")
		return
	}

	now := time.Now()

	if us == nil {
		us = s.consumeOffer(offer, now)
		if us == nil {
			// Lost the race with expiry or a concurrent consumer.
			s.metrics.IncDroppedPackets("stun_offer_gone")
			return
		}
		s.log.Debug("rtc: session created from pending offer",
			mlog.String("sessionID", us.id),
			mlog.String("role", us.role.String()),
			mlog.String("remoteAddr", raddr.String()))
	}

	us.touch(now)

	if msg.Contains(stun.AttrUseCandidate) && us.nominate(raddr, now) {
		s.bindSessionAddr(us, raddr)
		s.log.Debug("rtc: session nominated",
			mlog.String("sessionID", us.id),
			mlog.String("remoteAddr", raddr.String()))
		s.metrics.IncRTCConnState("nominated")
		s.startDTLS(us)
	}

	resp, err := stun.Build(
		stun.NewTransactionIDSetter(msg.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{
			IP:   raddr.IP,
			Port: raddr.Port,
		},
		stun.NewShortTermIntegrity(localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		s.log.Error("rtc: failed to build binding response", mlog.Err(err))
		s.metrics.IncRTCErrors("stun")
		return
	}

	if _, err := s.conn.WriteTo(resp.Raw, raddr); err != nil {
		s.log.Debug("rtc: failed to write binding response", mlog.Err(err))
		s.metrics.IncRTCErrors("net")
	}
}

// consumeOffer turns a pending offer into a live session. Exactly one
// caller wins; the offer is gone afterwards.
func (s *Server) consumeOffer(offer *PendingOffer, now time.Time) *session {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.offers[offer.LocalUfrag] != offer {
		return nil
	}
	delete(s.offers, offer.LocalUfrag)

	us := newSession(offer, now)
	s.sessionsByUfrag[offer.LocalUfrag] = us
	s.sessionsByID[us.id] = us

	s.metrics.IncRTCSessions(us.role.String())

	return us
}

func (s *Server) bindSessionAddr(us *session, raddr *net.UDPAddr) {
	s.mut.Lock()
	s.sessionsByAddr[raddr.String()] = us
	s.mut.Unlock()
}
