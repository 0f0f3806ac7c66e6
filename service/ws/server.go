// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package ws pushes room events to WebSocket clients. The stream is
// one-way: clients receive JSON events and only ever send control frames
// back.
package ws

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/offcast/relayd/service/random"
)

type ConnectCb func(connID string)

type Server struct {
	cfg         Config
	log         mlog.LoggerIFace
	connectCb   ConnectCb
	closeCb     ConnectCb
	checkOrigin func(r *http.Request) bool

	mut    sync.RWMutex
	conns  map[string]*conn
	closed bool
}

type Config = ServerConfig

type Option func(s *Server) error

// WithConnectCb sets a callback fired when a connection is established.
func WithConnectCb(cb ConnectCb) Option {
	return func(s *Server) error {
		s.connectCb = cb
		return nil
	}
}

// WithCloseCb sets a callback fired when a connection goes away.
func WithCloseCb(cb ConnectCb) Option {
	return func(s *Server) error {
		s.closeCb = cb
		return nil
	}
}

// WithCheckOrigin sets the origin check used on upgrade.
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(s *Server) error {
		s.checkOrigin = f
		return nil
	}
}

func NewServer(cfg Config, log mlog.LoggerIFace, opts ...Option) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}

	s := &Server{
		cfg:   cfg,
		log:   log,
		conns: make(map[string]*conn),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mut.RLock()
	closed := s.closed
	s.mut.RUnlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("ws: failed to upgrade connection", mlog.Err(err))
		return
	}

	c := newConn(random.NewID(), wsConn)
	s.addConn(c)

	if s.connectCb != nil {
		s.connectCb(c.id)
	}

	go s.writer(c)

	// Reader: the client isn't expected to send anything but we need to
	// service control frames and notice disconnects.
	for {
		if _, _, err := wsConn.ReadMessage(); err != nil {
			break
		}
	}

	s.removeConn(c.id)
	c.close()

	if s.closeCb != nil {
		s.closeCb(c.id)
	}
}

func (s *Server) writer(c *conn) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("ws: failed to write message", mlog.String("connID", c.id), mlog.Err(err))
				c.close()
				return
			}
		case <-pingTicker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.close()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// Broadcast sends data to every connected client.
func (s *Server) Broadcast(data []byte) {
	for _, c := range s.getConns() {
		if !c.send(data) {
			s.log.Debug("ws: dropped event for slow connection", mlog.String("connID", c.id))
		}
	}
}

// ConnCount returns the number of active connections.
func (s *Server) ConnCount() int {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return len(s.conns)
}

func (s *Server) Close() {
	s.mut.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mut.Unlock()

	for _, c := range conns {
		c.close()
	}
}
