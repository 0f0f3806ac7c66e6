// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const sseHeartbeatInterval = 15 * time.Second

// getRooms serves the room snapshot read model.
func (s *Service) getRooms(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.rtcServer.RoomSnapshot()); err != nil {
		s.log.Error("failed to encode rooms", mlog.Err(err))
	}
}

// handleRoomResource serves /rooms/{id}/thumbnail. The in-memory copy wins;
// the store keeps serving the last extract after a room ends.
func (s *Service) handleRoomResource(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/rooms/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "thumbnail" {
		http.NotFound(w, r)
		return
	}
	roomID := parts[0]

	thumb, err := s.rtcServer.RoomThumbnail(roomID)
	if err != nil {
		thumb = s.storedThumbnail(roomID)
	}
	if len(thumb) == 0 {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(thumb); err != nil {
		s.log.Error("failed to write thumbnail", mlog.Err(err))
	}
}

// handleNotifications streams room events over SSE.
func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Start with the current state so clients don't need a separate
	// snapshot request.
	if data, err := json.Marshal(s.rtcServer.RoomSnapshot()); err == nil {
		fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
		flusher.Flush()
	}

	subID, events := s.rtcServer.Subscribe()
	defer s.rtcServer.Unsubscribe(subID)

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("failed to marshal room event", mlog.Err(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.stopCh:
			return
		}
	}
}
