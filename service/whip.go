// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/offcast/relayd/service/random"
	"github.com/offcast/relayd/service/rtc"
	"github.com/offcast/relayd/service/sdp"
)

const (
	sdpContentType = "application/sdp"
	maxSDPSize     = 1024 * 1024
)

func (s *Service) checkOrigin(r *http.Request) bool {
	frontendURL := s.cfg.API.HTTP.FrontendURL
	if frontendURL == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || strings.TrimSuffix(origin, "/") == strings.TrimSuffix(frontendURL, "/")
}

func (s *Service) setCORSHeaders(w http.ResponseWriter) {
	frontendURL := s.cfg.API.HTTP.FrontendURL
	if frontendURL == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", strings.TrimSuffix(frontendURL, "/"))
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Expose-Headers", "Location")
}

// advertisedHost returns the IP written into SDP answers as the host
// candidate.
func (s *Service) advertisedHost() string {
	if s.cfg.RTC.HostOverride != "" {
		return s.cfg.RTC.HostOverride
	}
	if s.cfg.RTC.UDPAddress != "" {
		return s.cfg.RTC.UDPAddress
	}
	return "127.0.0.1"
}

func newSSRC() uint32 {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand never fails on supported platforms.
			continue
		}
		if v := binary.BigEndian.Uint32(buf[:]); v != 0 {
			return v
		}
	}
}

// readOffer pulls the SDP offer out of a WHIP/WHEP request body.
func readOffer(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSDPSize))
	if err != nil || len(body) == 0 {
		http.Error(w, "failed to read offer", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// negotiate runs the shared WHIP/WHEP flow: parse the offer, register a
// pending offer with the media plane and write the SDP answer.
func (s *Service) negotiate(w http.ResponseWriter, r *http.Request, role rtc.Role, roomID, locationPrefix string) {
	body, ok := readOffer(w, r)
	if !ok {
		return
	}

	desc, err := sdp.ParseOffer(body)
	if err != nil {
		if errors.Is(err, sdp.ErrNoVideoSection) || errors.Is(err, sdp.ErrUnsupportedCodec) {
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	localUfrag, localPwd, err := random.NewICECredentials()
	if err != nil {
		s.log.Error("failed to generate ICE credentials", mlog.Err(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	offer := &rtc.PendingOffer{
		SessionID:         random.NewID(),
		Role:              role,
		RoomID:            roomID,
		LocalUfrag:        localUfrag,
		LocalPwd:          localPwd,
		RemoteUfrag:       desc.Ufrag,
		RemotePwd:         desc.Pwd,
		RemoteFingerprint: desc.Fingerprint,
		Params: rtc.TrackParams{
			PayloadType: desc.PayloadType,
			ClockRate:   90000,
			RemoteSSRC:  desc.SSRC,
			LocalSSRC:   newSSRC(),
		},
	}

	if err := s.rtcServer.RegisterPendingOffer(offer); err != nil {
		switch {
		case errors.Is(err, rtc.ErrRoomNotFound):
			http.Error(w, "room not found", http.StatusNotFound)
		case errors.Is(err, rtc.ErrTooManyRooms), errors.Is(err, rtc.ErrTooManyViewers):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			s.log.Error("failed to register pending offer", mlog.Err(err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}

	answer, err := sdp.BuildAnswer(sdp.AnswerConfig{
		HostIP:      s.advertisedHost(),
		HostPort:    s.cfg.RTC.UDPPort,
		Ufrag:       localUfrag,
		Pwd:         localPwd,
		Fingerprint: s.rtcServer.CertFingerprint(),
		PayloadType: desc.PayloadType,
		SSRC:        offer.Params.LocalSSRC,
		MID:         desc.MID,
		SendOnly:    role == rtc.RoleViewer,
	})
	if err != nil {
		s.log.Error("failed to build answer", mlog.Err(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	s.log.Debug("negotiated session",
		mlog.String("sessionID", offer.SessionID),
		mlog.String("role", role.String()),
		mlog.String("roomID", roomID))

	w.Header().Set("Content-Type", sdpContentType)
	w.Header().Set("Location", locationPrefix+offer.SessionID)
	w.WriteHeader(http.StatusCreated)
	if _, err := w.Write(answer); err != nil {
		s.log.Error("failed to write answer", mlog.Err(err))
	}
}

// handleWHIP accepts publisher offers. Publishing requires the configured
// bearer token.
func (s *Service) handleWHIP(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		if err := s.auth.AuthenticateRequest(r); err != nil {
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		s.negotiate(w, r, rtc.RolePublisher, "", "/whip/")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWHIPResource serves the per-session resource created by a WHIP
// POST; DELETE tears the publisher (and its room) down.
func (s *Service) handleWHIPResource(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)

	sessionID := strings.TrimPrefix(r.URL.Path, "/whip/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if err := s.rtcServer.CloseSession(sessionID); err != nil {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWHEP serves viewers: POST /whep/{roomID} attaches to a room,
// DELETE /whep/{sessionID} detaches.
func (s *Service) handleWHEP(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)

	arg := strings.TrimPrefix(r.URL.Path, "/whep/")
	if arg == "" || strings.Contains(arg, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		s.negotiate(w, r, rtc.RoleViewer, arg, "/whep/")
	case http.MethodDelete:
		if err := s.rtcServer.CloseSession(arg); err != nil {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
