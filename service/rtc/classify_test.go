// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyPacket(t *testing.T) {
	t.Run("empty datagram", func(t *testing.T) {
		require.Equal(t, packetClassUnknown, classifyPacket(nil))
		require.Equal(t, packetClassUnknown, classifyPacket([]byte{}))
	})

	t.Run("totality and disjointness", func(t *testing.T) {
		counts := map[packetClass]int{}
		for b := 0; b <= 255; b++ {
			class := classifyPacket([]byte{byte(b), 0x00})
			counts[class]++

			switch {
			case b <= 3:
				require.Equal(t, packetClassSTUN, class, "byte %d", b)
			case b >= 20 && b <= 63:
				require.Equal(t, packetClassDTLS, class, "byte %d", b)
			case b >= 128 && b <= 191:
				require.Equal(t, packetClassMedia, class, "byte %d", b)
			default:
				require.Equal(t, packetClassUnknown, class, "byte %d", b)
			}
		}
		require.Equal(t, 4, counts[packetClassSTUN])
		require.Equal(t, 44, counts[packetClassDTLS])
		require.Equal(t, 64, counts[packetClassMedia])
		require.Equal(t, 256-4-44-64, counts[packetClassUnknown])
	})
}

func TestIsRTCP(t *testing.T) {
	// RTP packet, payload type 102.
	require.False(t, isRTCP([]byte{0x80, 102}))
	// RTP with marker bit set.
	require.False(t, isRTCP([]byte{0x80, 102 | 0x80}))
	// RTCP sender report (200) and receiver report (201).
	require.True(t, isRTCP([]byte{0x80, 200}))
	require.True(t, isRTCP([]byte{0x81, 201}))
	// RTCP payload-specific feedback (206).
	require.True(t, isRTCP([]byte{0x81, 206}))
	// Too short.
	require.False(t, isRTCP([]byte{0x80}))
}
