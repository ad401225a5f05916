package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"taskflow/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// terminalGrace bounds how long the stream stays open after the run
// finishes, waiting for the terminal event to flush through the bus.
const terminalGrace = 2 * time.Second

// streamWorkflow upgrades the request to a websocket and relays this
// workflow's progress, log, and terminal events as JSON frames.
func (s *Server) streamWorkflow(c *gin.Context) {
	id := c.Param("id")
	run, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown workflow " + id})
		return
	}
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	stream, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	// Reads are discarded; they only detect the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	done := run.Done()
	var flush <-chan time.Time
	for {
		select {
		case <-clientGone:
			return
		case <-done:
			done = nil
			flush = time.After(terminalGrace)
		case <-flush:
			s.writeClose(conn)
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if ev.WorkflowID != id {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type == events.TypeTerminal {
				s.writeClose(conn)
				return
			}
		}
	}
}

func (s *Server) writeClose(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "workflow finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
}
