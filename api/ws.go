package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS streams new_block and new_transaction frames to a browser
// subscriber until it disconnects.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	blocks := s.c.SubscribeBlocks()
	txs := s.c.SubscribeTxs()

	// Drain client frames so pings and closes are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case b := <-blocks:
			msg := gin.H{"type": "new_block", "block": wireFromBlock(b)}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case h := <-txs:
			msg := gin.H{"type": "new_transaction", "hash": h.String()}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
