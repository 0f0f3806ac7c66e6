// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"github.com/offcast/relayd/service/random"
)

type EventType string

const (
	EventRoomStarted      EventType = "room_started"
	EventRoomUpdated      EventType = "room_updated"
	EventRoomStopped      EventType = "room_stopped"
	EventThumbnailUpdated EventType = "thumbnail_updated"
)

// RoomEvent is published to subscribers on every room lifecycle change.
type RoomEvent struct {
	Type        EventType `json:"type"`
	RoomID      string    `json:"room_id"`
	ViewerCount int       `json:"viewer_count"`
}

// RoomInfo is the read model served to the signaling plane.
type RoomInfo struct {
	ID           string `json:"id"`
	ViewerCount  int    `json:"viewer_count"`
	HasThumbnail bool   `json:"has_thumbnail"`
}

const eventChSize = 64

// Subscribe registers an events channel. The returned id is passed to
// Unsubscribe. Slow subscribers lose events rather than block the media
// plane.
func (s *Server) Subscribe() (string, <-chan RoomEvent) {
	id := random.NewID()
	ch := make(chan RoomEvent, eventChSize)
	s.mut.Lock()
	s.subscribers[id] = ch
	s.mut.Unlock()
	return id, ch
}

func (s *Server) Unsubscribe(id string) {
	s.mut.Lock()
	ch, ok := s.subscribers[id]
	if ok {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mut.Unlock()
}

func (s *Server) publishEvent(ev RoomEvent) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
