// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os/exec"
	"time"

	// Extra decode formats for the frames ffmpeg hands back.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const decodeTimeout = 10 * time.Second

// FrameDecoder turns an Annex-B H.264 access unit into a decoded image.
type FrameDecoder interface {
	Decode(frame []byte) (image.Image, error)
}

// ffmpegDecoder shells out to ffmpeg: the keyframe goes in on stdin, a
// single mjpeg frame comes back on stdout. Pure-Go H.264 decoding isn't
// practical, and ffmpeg is already a de-facto dependency anywhere video is
// handled.
type ffmpegDecoder struct {
	path string
}

func newFFmpegDecoder(path string) *ffmpegDecoder {
	return &ffmpegDecoder{path: path}
}

func (d *ffmpegDecoder) Decode(frame []byte) (image.Image, error) {
	ctx, cancel := context.WithTimeout(context.Background(), decodeTimeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, d.path,
		"-hide_banner", "-loglevel", "error",
		"-f", "h264", "-i", "-",
		"-vframes", "1", "-f", "mjpeg", "-")
	cmd.Stdin = bytes.NewReader(frame)
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w", err)
	}

	img, _, err := image.Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	return img, nil
}
