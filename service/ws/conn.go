// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

const sendChSize = 64

type conn struct {
	id     string
	ws     *websocket.Conn
	sendCh chan []byte

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newConn(id string, ws *websocket.Conn) *conn {
	return &conn{
		id:      id,
		ws:      ws,
		sendCh:  make(chan []byte, sendChSize),
		closeCh: make(chan struct{}),
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.ws.Close()
	})
}

// send enqueues data for delivery. Slow consumers lose events rather than
// block the broadcaster.
func (c *conn) send(data []byte) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		return false
	}
}

func (s *Server) addConn(c *conn) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.conns[c.id] = c
}

func (s *Server) removeConn(connID string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.conns, connID)
}

func (s *Server) getConns() []*conn {
	s.mut.RLock()
	defer s.mut.RUnlock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}
