// Live chat handler.
//
//   - GET /ws/chat/{room_id}   (WebSocket upgrade, room-scoped session)
//
// The upgrade always succeeds for a well-formed request; the room check is
// part of the session handshake and is reported in-band with an
// {"error": "..."} frame followed by a close.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tbourn/go-market-chat/internal/chat"
	"github.com/tbourn/go-market-chat/internal/http/middleware"
)

// ChatHub runs live sessions on upgraded connections.
type ChatHub interface {
	Serve(ctx context.Context, conn chat.Conn, roomID, userID string)
}

// newUpgrader accepts any origin when allowed is empty, otherwise only the
// listed origins ("*" matches all).
func newUpgrader(allowed []string) websocket.Upgrader {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			set[o] = struct{}{}
		}
	}
	_, all := set["*"]
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(set) == 0 || all {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := set[origin]
			return ok
		},
	}
}

// ChatWS godoc
// @ID          chatWS
// @Summary     Open a live chat session
// @Description Upgrades to WebSocket and binds the session to the room. Clients send
// @Description {"message": "...", "sender": "..."} frames and receive every message
// @Description broadcast to the room, their own included. An unknown room gets
// @Description {"error": "Chatroom does not exist"} and the connection is closed.
// @Tags        Chat
//
// @Param       room_id  path   string  true  "Room ID (UUID)"  format(uuid)
// @Param       token    query  string  false "Bearer token (browsers cannot set headers on upgrade)"
//
// @Success     101  {string} string "Switching Protocols"
// @Failure     400  {object} handlers.ErrorResponse "Not a WebSocket request"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Router      /ws/chat/{room_id} [get]
func (h *Handlers) ChatWS(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("room_id"))
	uid := userID(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		middleware.LoggerFrom(c).Debug().Err(err).Str("room_id", roomID).Msg("websocket upgrade failed")
		c.Abort()
		return
	}
	h.hub.Serve(c.Request.Context(), conn, roomID, uid)
}
