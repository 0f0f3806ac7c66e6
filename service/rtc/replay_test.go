// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplayBuffer(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		b := newReplayBuffer()
		require.Nil(t, b.get(0))
		require.Nil(t, b.get(1000))
	})

	t.Run("put and get", func(t *testing.T) {
		b := newReplayBuffer()
		b.put(1000, []byte{0x01, 0x02})
		require.Equal(t, []byte{0x01, 0x02}, b.get(1000))
		require.Nil(t, b.get(1001))
	})

	t.Run("overwrites slot on wrap", func(t *testing.T) {
		b := newReplayBuffer()
		b.put(10, []byte{0x01})
		b.put(10+replayBufferSize, []byte{0x02})

		require.Nil(t, b.get(10))
		require.Equal(t, []byte{0x02}, b.get(10+replayBufferSize))
	})

	t.Run("entry reuse keeps contents intact", func(t *testing.T) {
		b := newReplayBuffer()
		b.put(1, []byte{0x01, 0x02, 0x03, 0x04})
		b.put(1+replayBufferSize, []byte{0x05})
		require.Equal(t, []byte{0x05}, b.get(1+replayBufferSize))
	})

	t.Run("sequence wraparound", func(t *testing.T) {
		b := newReplayBuffer()
		b.put(65535, []byte{0x01})
		b.put(0, []byte{0x02})
		require.Equal(t, []byte{0x01}, b.get(65535))
		require.Equal(t, []byte{0x02}, b.get(0))
	})
}

func TestReplayBufferFull(t *testing.T) {
	b := newReplayBuffer()
	for seq := 0; seq < replayBufferSize; seq++ {
		b.put(uint16(seq), []byte{byte(seq)})
	}
	for seq := 0; seq < replayBufferSize; seq++ {
		require.Equal(t, []byte{byte(seq)}, b.get(uint16(seq)))
	}
}
