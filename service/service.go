// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/offcast/relayd/service/api"
	"github.com/offcast/relayd/service/auth"
	"github.com/offcast/relayd/service/perf"
	"github.com/offcast/relayd/service/rtc"
	"github.com/offcast/relayd/service/store"
	"github.com/offcast/relayd/service/thumbnail"
	"github.com/offcast/relayd/service/ws"
)

const (
	thumbnailKeyPrefix = "thumbnails/"

	// thumbnailRetention is the age past which persisted thumbnails are
	// dropped by the prune pass at startup.
	thumbnailRetention = 24 * time.Hour
)

// thumbnailRecord is the store representation of an extracted thumbnail.
type thumbnailRecord struct {
	RoomID    string `msgpack:"room_id"`
	CreatedAt int64  `msgpack:"created_at"`
	Data      []byte `msgpack:"data"`
}

type Service struct {
	cfg       Config
	log       *mlog.Logger
	apiServer *api.Server
	wsServer  *ws.Server
	auth      *auth.Service
	store     store.Store
	rtcServer *rtc.Server
	metrics   *perf.Metrics
	thumbPool *thumbnail.Pool

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config, log *mlog.Logger) (*Service, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	s.metrics = perf.NewMetrics(nil)

	var err error
	s.auth, err = auth.NewService(cfg.API.Security)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	s.store, err = store.New(cfg.Store.DataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	s.rtcServer, err = rtc.NewServer(cfg.RTC, log, s.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtc server: %w", err)
	}

	s.thumbPool, err = thumbnail.NewPool(cfg.Thumbnails, log, s.onThumbnail)
	if err != nil {
		return nil, fmt.Errorf("failed to create thumbnail pool: %w", err)
	}
	s.rtcServer.SetThumbnailSink(s.thumbPool)

	s.apiServer, err = api.NewServer(cfg.API.HTTP, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create api server: %w", err)
	}

	wsConfig := ws.Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingInterval:    10 * time.Second,
	}
	s.wsServer, err = ws.NewServer(wsConfig, log,
		ws.WithConnectCb(func(_ string) {
			s.metrics.IncWSConnections()
		}),
		ws.WithCloseCb(func(_ string) {
			s.metrics.DecWSConnections()
		}),
		ws.WithCheckOrigin(s.checkOrigin),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ws server: %w", err)
	}

	s.apiServer.RegisterHandleFunc("/version", s.getVersion)
	s.apiServer.RegisterHandleFunc("/whip", s.handleWHIP)
	s.apiServer.RegisterHandleFunc("/whip/", s.handleWHIPResource)
	s.apiServer.RegisterHandleFunc("/whep/", s.handleWHEP)
	s.apiServer.RegisterHandleFunc("/rooms", s.getRooms)
	s.apiServer.RegisterHandleFunc("/rooms/", s.handleRoomResource)
	s.apiServer.RegisterHandleFunc("/notifications", s.handleNotifications)
	s.apiServer.RegisterHandler("/ws", s.wsServer)
	s.apiServer.RegisterHandler("/metrics", s.metrics.Handler())

	return s, nil
}

func (s *Service) Start() error {
	s.pruneThumbnails()

	if err := s.rtcServer.Start(); err != nil {
		return fmt.Errorf("failed to start rtc server: %w", err)
	}

	if err := s.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	go s.eventPump()

	s.log.Info("relayd: service started", getVersionInfo().logFields()...)

	return nil
}

func (s *Service) Stop() error {
	close(s.stopCh)

	if err := s.apiServer.Stop(); err != nil {
		return fmt.Errorf("failed to stop API server: %w", err)
	}

	s.wsServer.Close()

	if err := s.rtcServer.Stop(); err != nil {
		return fmt.Errorf("failed to stop rtc server: %w", err)
	}

	<-s.doneCh

	s.thumbPool.Stop()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.log.Info("relayd: service stopped")

	return nil
}

// eventPump fans room events out to WebSocket clients. SSE streams
// subscribe on their own.
func (s *Service) eventPump() {
	defer close(s.doneCh)

	subID, ch := s.rtcServer.Subscribe()
	defer s.rtcServer.Unsubscribe(subID)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("failed to marshal room event", mlog.Err(err))
				continue
			}
			s.wsServer.Broadcast(data)
		case <-s.stopCh:
			return
		}
	}
}

// onThumbnail receives encoded thumbnails from the worker pool: the room's
// in-memory copy feeds /rooms, the store copy survives the room.
func (s *Service) onThumbnail(roomID string, data []byte) {
	s.rtcServer.SetRoomThumbnail(roomID, data)

	record, err := msgpack.Marshal(thumbnailRecord{
		RoomID:    roomID,
		CreatedAt: time.Now().Unix(),
		Data:      data,
	})
	if err != nil {
		s.log.Error("failed to marshal thumbnail record", mlog.Err(err))
		return
	}

	if err := s.store.Set(thumbnailKeyPrefix+roomID, record); err != nil {
		s.log.Error("failed to persist thumbnail", mlog.Err(err), mlog.String("roomID", roomID))
	}
}

// storedThumbnail fetches the persisted thumbnail for a room, if any.
func (s *Service) storedThumbnail(roomID string) []byte {
	data, err := s.store.Get(thumbnailKeyPrefix + roomID)
	if err != nil {
		return nil
	}
	var record thumbnailRecord
	if err := msgpack.Unmarshal(data, &record); err != nil {
		return nil
	}
	return record.Data
}

// pruneThumbnails drops persisted thumbnails past their retention.
func (s *Service) pruneThumbnails() {
	keys, err := s.store.Keys(thumbnailKeyPrefix)
	if err != nil {
		s.log.Error("failed to list thumbnails", mlog.Err(err))
		return
	}

	cutoff := time.Now().Add(-thumbnailRetention).Unix()
	for _, key := range keys {
		data, err := s.store.Get(key)
		if err != nil {
			continue
		}
		var record thumbnailRecord
		if err := msgpack.Unmarshal(data, &record); err != nil || record.CreatedAt < cutoff {
			if err := s.store.Delete(key); err != nil {
				s.log.Error("failed to prune thumbnail", mlog.Err(err), mlog.String("key", key))
			}
		}
	}
}
