// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package thumbnail turns H.264 keyframes captured by the media plane into
// small JPEG previews. Decoding and encoding are CPU-heavy so the work
// runs on a bounded pool off the media path; frames wait in a bounded
// queue and are dropped rather than blocking the caller when it is full.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/nfnt/resize"
)

type job struct {
	roomID string
	frame  []byte
}

// Pool decodes submitted keyframes and hands the encoded thumbnails to the
// configured callback.
type Pool struct {
	cfg     Config
	log     mlog.LoggerIFace
	decoder FrameDecoder
	onThumb func(roomID string, data []byte)

	jobs   chan job
	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

func NewPool(cfg Config, log mlog.LoggerIFace, onThumb func(roomID string, data []byte)) (*Pool, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}
	if onThumb == nil {
		return nil, fmt.Errorf("onThumb should not be nil")
	}

	p := &Pool{
		cfg:     cfg,
		log:     log,
		decoder: newFFmpegDecoder(cfg.FFmpegPath),
		onThumb: onThumb,
		jobs:    make(chan job, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p, nil
}

// SetDecoder overrides the frame decoder. Used by tests.
func (p *Pool) SetDecoder(d FrameDecoder) {
	p.decoder = d
}

// Submit queues a keyframe for decoding. Never blocks: returns false when
// the queue is full or the pool is stopped.
func (p *Pool) Submit(roomID string, frame []byte) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}
	select {
	case p.jobs <- job{roomID: roomID, frame: frame}:
		return true
	default:
		return false
	}
}

func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.stopCh)
		close(p.jobs)
	})
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		data, err := p.process(j.frame)
		if err != nil {
			p.log.Debug("thumbnail: failed to process keyframe",
				mlog.Err(err),
				mlog.String("roomID", j.roomID))
			continue
		}
		p.onThumb(j.roomID, data)
	}
}

func (p *Pool) process(frame []byte) ([]byte, error) {
	img, err := p.decoder.Decode(frame)
	if err != nil {
		return nil, err
	}

	return p.encode(img)
}

func (p *Pool) encode(img image.Image) ([]byte, error) {
	width := uint(p.cfg.Width)
	if img.Bounds().Dx() > p.cfg.Width {
		img = resize.Resize(width, 0, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	return buf.Bytes(), nil
}
