// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package random

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	ufragLen = 8
	pwdLen   = 24

	// RFC 8839 constrains ice-char to alphanumerics plus '+' and '/'.
	iceCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/"
)

func newICEString(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(iceCharset)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random data: %w", err)
		}
		out[i] = iceCharset[n.Int64()]
	}
	return string(out), nil
}

// NewICECredentials generates a local ufrag/pwd pair for an ICE-lite
// session, sized per RFC 8839 (ufrag 4..256 chars, pwd 22..256 chars).
func NewICECredentials() (ufrag string, pwd string, err error) {
	ufrag, err = newICEString(ufragLen)
	if err != nil {
		return "", "", err
	}
	pwd, err = newICEString(pwdLen)
	if err != nil {
		return "", "", err
	}
	return ufrag, pwd, nil
}
