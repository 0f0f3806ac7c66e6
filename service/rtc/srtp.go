// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"

	"github.com/pion/srtp/v3"
)

const (
	srtpExporterLabel = "EXTRACTOR-dtls_srtp"

	// SRTP_AES128_CM_HMAC_SHA1_80 key material sizes (RFC 5764).
	srtpMasterKeyLen  = 16
	srtpMasterSaltLen = 14

	srtpKeyingMaterialLen = 2 * (srtpMasterKeyLen + srtpMasterSaltLen)

	srtpReplayWindowSize = 64
)

// srtpSession pairs the two cipher contexts of an established session:
// in decrypts traffic from the remote peer, out encrypts traffic towards
// it. Contexts are single-consumer (the read loop) so no locking happens
// here.
type srtpSession struct {
	in  *srtp.Context
	out *srtp.Context
}

// newSRTPSession splits DTLS exporter output into the client/server
// key+salt pairs per RFC 5764 and builds the cipher contexts. The relay is
// always the DTLS server: the remote writes with the client key, we write
// with the server key.
func newSRTPSession(keyingMaterial []byte) (*srtpSession, error) {
	if len(keyingMaterial) != srtpKeyingMaterialLen {
		return nil, fmt.Errorf("unexpected keying material length: %d", len(keyingMaterial))
	}

	off := 0
	clientKey := keyingMaterial[off : off+srtpMasterKeyLen]
	off += srtpMasterKeyLen
	serverKey := keyingMaterial[off : off+srtpMasterKeyLen]
	off += srtpMasterKeyLen
	clientSalt := keyingMaterial[off : off+srtpMasterSaltLen]
	off += srtpMasterSaltLen
	serverSalt := keyingMaterial[off : off+srtpMasterSaltLen]

	in, err := srtp.CreateContext(clientKey, clientSalt, srtp.ProtectionProfileAes128CmHmacSha1_80,
		srtp.SRTPReplayProtection(srtpReplayWindowSize),
		srtp.SRTCPReplayProtection(srtpReplayWindowSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create inbound srtp context: %w", err)
	}

	out, err := srtp.CreateContext(serverKey, serverSalt, srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound srtp context: %w", err)
	}

	return &srtpSession{
		in:  in,
		out: out,
	}, nil
}
