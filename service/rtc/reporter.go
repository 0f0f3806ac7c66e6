// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"github.com/pion/rtcp"
)

// maxReorderDistance bounds how far behind the highest received sequence
// number a gap is still worth reporting. Anything older has fallen out of
// every jitter buffer already.
const maxReorderDistance = 512

// recvReporter tracks the publisher's inbound RTP stream: extended highest
// sequence number, cumulative loss and the set of missing sequence numbers
// eligible for an upstream NACK. It also produces the reception report
// block for the periodic receiver reports sent back to the publisher.
//
// Single consumer (the read loop), no locking.
type recvReporter struct {
	mediaSSRC uint32

	initialized bool
	baseSeq     uint16
	maxSeq      uint16
	cycles      uint32
	received    uint32

	expectedPrior uint32
	receivedPrior uint32

	missing map[uint16]struct{}
}

func newRecvReporter(mediaSSRC uint32) *recvReporter {
	return &recvReporter{
		mediaSSRC: mediaSSRC,
		missing:   map[uint16]struct{}{},
	}
}

// feed records the arrival of the given sequence number, updating loss
// tracking as a side effect.
func (r *recvReporter) feed(seq uint16) {
	r.received++

	if !r.initialized {
		r.initialized = true
		r.baseSeq = seq
		r.maxSeq = seq
		return
	}

	delete(r.missing, seq)

	delta := seq - r.maxSeq
	switch {
	case delta == 0:
		// Duplicate of the current head.
		return
	case delta < 0x8000:
		// In-order advance. Everything between the previous head and the
		// new one went missing.
		if delta > 1 && delta <= maxReorderDistance {
			for missed := r.maxSeq + 1; missed != seq; missed++ {
				r.missing[missed] = struct{}{}
			}
		}
		if seq < r.maxSeq {
			r.cycles += 1 << 16
		}
		r.maxSeq = seq
	default:
		// Reordered packet, already accounted for by the gap tracking.
	}

	// Drop requests that have aged out of usefulness.
	for missed := range r.missing {
		if r.maxSeq-missed >= maxReorderDistance {
			delete(r.missing, missed)
		}
	}
}

// pendingNacks returns up to limit missing sequence numbers for an
// upstream retransmission request. Returned numbers stay pending until
// they arrive or age out.
func (r *recvReporter) pendingNacks(limit int) []uint16 {
	if len(r.missing) == 0 {
		return nil
	}
	seqs := make([]uint16, 0, len(r.missing))
	for seq := range r.missing {
		if len(seqs) >= limit {
			break
		}
		seqs = append(seqs, seq)
	}
	return seqs
}

func (r *recvReporter) extendedHighestSeq() uint32 {
	return r.cycles | uint32(r.maxSeq)
}

func (r *recvReporter) expected() uint32 {
	return r.extendedHighestSeq() - uint32(r.baseSeq) + 1
}

// report produces the RFC 3550 reception report block for the stream since
// the last call.
func (r *recvReporter) report() rtcp.ReceptionReport {
	expected := r.expected()

	expectedInterval := expected - r.expectedPrior
	receivedInterval := r.received - r.receivedPrior
	r.expectedPrior = expected
	r.receivedPrior = r.received

	var fractionLost uint8
	if expectedInterval > 0 && expectedInterval > receivedInterval {
		lostInterval := expectedInterval - receivedInterval
		fractionLost = uint8((lostInterval << 8) / expectedInterval)
	}

	var totalLost uint32
	if expected > r.received {
		totalLost = expected - r.received
	}

	return rtcp.ReceptionReport{
		SSRC:               r.mediaSSRC,
		FractionLost:       fractionLost,
		TotalLost:          totalLost,
		LastSequenceNumber: r.extendedHighestSeq(),
	}
}
