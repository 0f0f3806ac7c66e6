// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package sdp negotiates the single-video-track sessions relayd accepts:
// it extracts what the media plane needs from a WHIP/WHEP offer and
// produces the ICE-lite, DTLS-passive answer.
package sdp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

var (
	ErrNoVideoSection   = errors.New("sdp: no video section in offer")
	ErrUnsupportedCodec = errors.New("sdp: no supported H.264 payload in offer")
	ErrMissingAttribute = errors.New("sdp: missing required attribute")
)

const (
	videoClockRate = 90000

	// fmtp parameters we answer with; baseline profile, packetization
	// mode 1 (FU-A/STAP-A).
	h264Fmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"

	cname = "relayd"
)

// RemoteDescription carries everything the media plane needs to expect a
// peer negotiated from an SDP offer.
type RemoteDescription struct {
	Ufrag       string
	Pwd         string
	Fingerprint string
	PayloadType uint8
	SSRC        uint32
	MID         string
}

// ParseOffer validates a WHIP/WHEP offer and extracts the remote session
// parameters. An offer without an H.264 video section is rejected.
func ParseOffer(offer []byte) (*RemoteDescription, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(offer); err != nil {
		return nil, fmt.Errorf("sdp: failed to unmarshal offer: %w", err)
	}

	var video *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "video" {
			video = md
			break
		}
	}
	if video == nil {
		return nil, ErrNoVideoSection
	}

	desc := &RemoteDescription{}

	pt, err := findH264Payload(video)
	if err != nil {
		return nil, err
	}
	desc.PayloadType = pt

	desc.Ufrag = findAttribute(&sd, video, "ice-ufrag")
	desc.Pwd = findAttribute(&sd, video, "ice-pwd")
	if desc.Ufrag == "" || desc.Pwd == "" {
		return nil, fmt.Errorf("%w: ice credentials", ErrMissingAttribute)
	}

	fingerprint := findAttribute(&sd, video, "fingerprint")
	algo, value, found := strings.Cut(fingerprint, " ")
	if !found || !strings.EqualFold(algo, "sha-256") {
		return nil, fmt.Errorf("%w: sha-256 fingerprint", ErrMissingAttribute)
	}
	desc.Fingerprint = strings.ToUpper(value)

	desc.MID = findAttribute(nil, video, "mid")

	if ssrc := findAttribute(nil, video, "ssrc"); ssrc != "" {
		fields := strings.Fields(ssrc)
		if v, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
			desc.SSRC = uint32(v)
		}
	}

	return desc, nil
}

// findH264Payload picks the offered H.264 payload type, preferring
// packetization-mode=1 so fragmented keyframes reassemble.
func findH264Payload(video *sdp.MediaDescription) (uint8, error) {
	type codec struct {
		pt   uint8
		fmtp string
	}
	var candidates []codec

	for _, attr := range video.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		ptStr, name, found := strings.Cut(attr.Value, " ")
		if !found || !strings.HasPrefix(strings.ToUpper(name), "H264/") {
			continue
		}
		pt, err := strconv.ParseUint(ptStr, 10, 8)
		if err != nil {
			continue
		}
		candidates = append(candidates, codec{
			pt:   uint8(pt),
			fmtp: findFmtp(video, uint8(pt)),
		})
	}

	if len(candidates) == 0 {
		return 0, ErrUnsupportedCodec
	}

	for _, c := range candidates {
		if strings.Contains(c.fmtp, "packetization-mode=1") {
			return c.pt, nil
		}
	}

	return candidates[0].pt, nil
}

func findFmtp(video *sdp.MediaDescription, pt uint8) string {
	prefix := strconv.Itoa(int(pt)) + " "
	for _, attr := range video.Attributes {
		if attr.Key == "fmtp" && strings.HasPrefix(attr.Value, prefix) {
			return strings.TrimPrefix(attr.Value, prefix)
		}
	}
	return ""
}

// findAttribute looks the key up at media level first, then session level.
func findAttribute(sd *sdp.SessionDescription, md *sdp.MediaDescription, key string) string {
	if md != nil {
		for _, attr := range md.Attributes {
			if attr.Key == key {
				return attr.Value
			}
		}
	}
	if sd != nil {
		for _, attr := range sd.Attributes {
			if attr.Key == key {
				return attr.Value
			}
		}
	}
	return ""
}

// AnswerConfig parameterizes the local side of the answer.
type AnswerConfig struct {
	// HostIP and HostPort form the single host candidate we advertise.
	HostIP   string
	HostPort int
	// Ufrag and Pwd are the local ICE short-term credentials.
	Ufrag string
	Pwd   string
	// Fingerprint is the SHA-256 fingerprint of the DTLS certificate.
	Fingerprint string
	// PayloadType echoes the payload number picked from the offer.
	PayloadType uint8
	// SSRC is the source we write with. Only advertised on send-only
	// legs; ignored otherwise.
	SSRC uint32
	// MID echoes the offer's media identification tag.
	MID string
	// SendOnly selects the media direction: true for viewer legs, false
	// for publisher legs.
	SendOnly bool
}

func (c AnswerConfig) IsValid() error {
	if c.HostIP == "" {
		return fmt.Errorf("invalid HostIP value: should not be empty")
	}
	if c.HostPort <= 0 {
		return fmt.Errorf("invalid HostPort value: should be greater than zero")
	}
	if c.Ufrag == "" || c.Pwd == "" {
		return fmt.Errorf("invalid ICE credentials: should not be empty")
	}
	if c.Fingerprint == "" {
		return fmt.Errorf("invalid Fingerprint value: should not be empty")
	}
	if c.PayloadType == 0 {
		return fmt.Errorf("invalid PayloadType value: should not be zero")
	}
	return nil
}

// BuildAnswer produces the SDP answer for a parsed offer: ICE-lite,
// rtcp-mux, DTLS setup:passive, a single host candidate.
func BuildAnswer(cfg AnswerConfig) ([]byte, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}

	mid := cfg.MID
	if mid == "" {
		mid = "0"
	}

	direction := "recvonly"
	if cfg.SendOnly {
		direction = "sendonly"
	}

	ptStr := strconv.Itoa(int(cfg.PayloadType))

	attributes := []sdp.Attribute{
		{Key: "mid", Value: mid},
		{Key: "ice-ufrag", Value: cfg.Ufrag},
		{Key: "ice-pwd", Value: cfg.Pwd},
		{Key: "fingerprint", Value: "sha-256 " + cfg.Fingerprint},
		{Key: "setup", Value: "passive"},
		{Key: direction, Value: ""},
		{Key: "rtcp-mux", Value: ""},
		{Key: "rtpmap", Value: fmt.Sprintf("%s H264/%d", ptStr, videoClockRate)},
		{Key: "fmtp", Value: ptStr + " " + h264Fmtp},
		{Key: "rtcp-fb", Value: ptStr + " nack"},
		{Key: "rtcp-fb", Value: ptStr + " nack pli"},
		{Key: "rtcp-fb", Value: ptStr + " ccm fir"},
	}

	if cfg.SendOnly {
		attributes = append(attributes,
			sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d cname:%s", cfg.SSRC, cname)})
	}

	attributes = append(attributes,
		sdp.Attribute{Key: "candidate", Value: fmt.Sprintf("1 1 udp 2130706431 %s %d typ host", cfg.HostIP, cfg.HostPort)},
		sdp.Attribute{Key: "end-of-candidates", Value: ""},
	)

	answer := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      newSessionID(),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{}},
		Attributes: []sdp.Attribute{
			{Key: "ice-lite", Value: ""},
			{Key: "group", Value: "BUNDLE " + mid},
			{Key: "msid-semantic", Value: " WMS"},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "video",
					Port:    sdp.RangedPort{Value: 9},
					Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
					Formats: []string{ptStr},
				},
				ConnectionInformation: &sdp.ConnectionInformation{
					NetworkType: "IN",
					AddressType: "IP4",
					Address:     &sdp.Address{Address: cfg.HostIP},
				},
				Attributes: attributes,
			},
		},
	}

	return answer.Marshal()
}

func newSessionID() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	// The top bit stays clear to fit the signed o= grammar some parsers
	// enforce.
	return binary.BigEndian.Uint64(buf[:]) >> 1
}
