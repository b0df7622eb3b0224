// Message HTTP handlers.
//
// This file exposes the read side of the message store:
//   - GET /rooms/{room_id}/messages   (history page, most recent first)
//
// Messages are written only over the live WebSocket session; there is no
// REST endpoint that appends to a room.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/services"
)

// ListMessagesResponse contains a page of room messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a room
// @Description Returns a paginated list of the room's messages, most recent first.
// @Description An empty room yields an empty list. Participants only.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header string  false "User ID (when no bearer token is configured)"  example(buyer-1)
// @Param       room_id    path   string  true  "Room ID (UUID)"  format(uuid)
// @Param       page       query  int     false "Page number (alias p)"  minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"         minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Room not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Security    BearerAuth
// @Router      /rooms/{room_id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	roomID := c.Param("room_id")

	if _, err := h.roomSvc.GetForUser(ctx, roomID, uid); err != nil {
		failRoomLookup(c, err)
		return
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.msgSvc.ListPage(ctx, roomID, page, pageSize)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrRoomNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "chatroom does not exist")
		default:
			failInternal(c, ErrCodeListFailed, err)
		}
		return
	}
	if items == nil {
		items = []domain.Message{}
	}

	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: newPagination(page, pageSize, total),
	})
}
