// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package h264 de-packetizes H.264 RTP payloads (RFC 6184) and assembles
// complete IDR access units for thumbnail extraction. Forwarding is
// payload agnostic; only the thumbnail path needs to understand NAL units.
package h264

import (
	"errors"
)

const (
	naluTypeMask = 0x1F
	naluRefMask  = 0x60

	// Single NAL unit types (RFC 6184 5.4).
	NALUTypeIDR = 5
	NALUTypeSEI = 6
	NALUTypeSPS = 7
	NALUTypePPS = 8

	naluTypeSTAPA = 24
	naluTypeFUA   = 28

	fuStartBit = 0x80
	fuEndBit   = 0x40
)

var (
	ErrShortPacket = errors.New("h264: packet is too short")
	ErrZeroBitSet  = errors.New("h264: forbidden zero bit is set")
)

var annexBPrefix = []byte{0x00, 0x00, 0x00, 0x01}

// Assembler consumes RTP payloads in arrival order and emits an Annex-B
// encoded access unit whenever an IDR frame completes. SPS and PPS are
// cached as they pass through so a keyframe is always self-contained.
type Assembler struct {
	sps []byte
	pps []byte

	fuBuf       []byte
	fuActive    bool
	idrParts    [][]byte
	curTS       uint32
	tsValid     bool
	haveIDRPart bool
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Push feeds one RTP payload. When a complete IDR access unit becomes
// available, it is returned in Annex-B form (SPS+PPS+IDR slices);
// otherwise the return is nil. Packets of unsupported aggregation types
// (STAP-B, MTAP, FU-B) are skipped without error.
func (a *Assembler) Push(payload []byte, timestamp uint32, marker bool) ([]byte, error) {
	if len(payload) < 1 {
		return nil, ErrShortPacket
	}
	if payload[0]&0x80 != 0 {
		return nil, ErrZeroBitSet
	}

	if a.tsValid && timestamp != a.curTS {
		// New access unit started; whatever was in flight is stale.
		a.resetFrame()
	}
	a.curTS = timestamp
	a.tsValid = true

	naluType := payload[0] & naluTypeMask
	switch {
	case naluType >= 1 && naluType <= 23:
		a.record(payload)
	case naluType == naluTypeSTAPA:
		if err := a.pushSTAPA(payload); err != nil {
			return nil, err
		}
	case naluType == naluTypeFUA:
		if err := a.pushFUA(payload); err != nil {
			return nil, err
		}
	default:
		// STAP-B, MTAP16/24, FU-B: not produced by the browsers we relay.
	}

	if marker && a.haveIDRPart {
		return a.emit(), nil
	}

	return nil, nil
}

// HaveParameterSets reports whether both SPS and PPS have been seen.
func (a *Assembler) HaveParameterSets() bool {
	return a.sps != nil && a.pps != nil
}

func (a *Assembler) pushSTAPA(payload []byte) error {
	off := 1
	for off < len(payload) {
		if off+2 > len(payload) {
			return ErrShortPacket
		}
		size := int(payload[off])<<8 | int(payload[off+1])
		off += 2
		if size == 0 || off+size > len(payload) {
			return ErrShortPacket
		}
		a.record(payload[off : off+size])
		off += size
	}
	return nil
}

func (a *Assembler) pushFUA(payload []byte) error {
	if len(payload) < 2 {
		return ErrShortPacket
	}

	indicator := payload[0]
	header := payload[1]
	naluType := header & naluTypeMask

	if header&fuStartBit != 0 {
		// Reconstruct the original NAL header from the indicator's NRI
		// bits and the fragmented type.
		a.fuBuf = append(a.fuBuf[:0], indicator&naluRefMask|naluType)
		a.fuBuf = append(a.fuBuf, payload[2:]...)
		a.fuActive = true
		return nil
	}

	if !a.fuActive {
		// Continuation without a start: lost the first fragment.
		return nil
	}

	a.fuBuf = append(a.fuBuf, payload[2:]...)

	if header&fuEndBit != 0 {
		nal := make([]byte, len(a.fuBuf))
		copy(nal, a.fuBuf)
		a.fuActive = false
		a.fuBuf = a.fuBuf[:0]
		a.record(nal)
	}

	return nil
}

func (a *Assembler) record(nal []byte) {
	if len(nal) == 0 {
		return
	}
	switch nal[0] & naluTypeMask {
	case NALUTypeSPS:
		a.sps = append([]byte(nil), nal...)
	case NALUTypePPS:
		a.pps = append([]byte(nil), nal...)
	case NALUTypeIDR:
		part := make([]byte, len(nal))
		copy(part, nal)
		a.idrParts = append(a.idrParts, part)
		a.haveIDRPart = true
	}
}

func (a *Assembler) emit() []byte {
	if !a.HaveParameterSets() {
		a.resetFrame()
		return nil
	}

	size := 3 * len(annexBPrefix)
	size += len(a.sps) + len(a.pps)
	for _, part := range a.idrParts {
		size += len(part)
	}
	// idrParts beyond the first need their own prefixes.
	size += (len(a.idrParts) - 1) * len(annexBPrefix)

	frame := make([]byte, 0, size)
	frame = append(frame, annexBPrefix...)
	frame = append(frame, a.sps...)
	frame = append(frame, annexBPrefix...)
	frame = append(frame, a.pps...)
	for _, part := range a.idrParts {
		frame = append(frame, annexBPrefix...)
		frame = append(frame, part...)
	}

	a.resetFrame()

	return frame
}

func (a *Assembler) resetFrame() {
	a.idrParts = nil
	a.haveIDRPart = false
	a.fuActive = false
	a.fuBuf = a.fuBuf[:0]
}
