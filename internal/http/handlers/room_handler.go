// Room HTTP handlers.
//
// This file exposes REST endpoints for chat rooms:
//   - POST   /rooms             (get-or-create for a product, 200 or 201)
//   - GET    /rooms             (list the caller's rooms, paginated, ETag support)
//   - GET    /rooms/{room_id}   (one room, participants only)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/repo"
	"github.com/tbourn/go-market-chat/internal/services"
	"github.com/tbourn/go-market-chat/internal/utils"
)

//
// Service contracts (context-aware)
//

// RoomService defines the room directory operations consumed by handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type RoomService interface {
	// OpenForProduct returns the buyer's room for a product, creating it if needed.
	OpenForProduct(ctx context.Context, productID, buyerID string) (*domain.Room, bool, error)
	// GetForUser returns a room the user participates in.
	GetForUser(ctx context.Context, roomID, userID string) (*domain.Room, error)
	// ListPage returns a page of the user's rooms and the total count.
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Room, int64, error)
}

// MessageService defines message history reads consumed by handlers.
type MessageService interface {
	// Latest returns the newest message or nil.
	Latest(ctx context.Context, roomID string) (*domain.Message, error)
	// Recent returns up to limit newest messages in ascending order.
	Recent(ctx context.Context, roomID string, limit int) ([]domain.Message, error)
	// ListPage returns a page of messages, newest first, and the total count.
	ListPage(ctx context.Context, roomID string, page, pageSize int) ([]domain.Message, int64, error)
}

//
// Handler wiring
//

// Options tunes handler behavior.
type Options struct {
	// RoomMessagesLimit caps the messages embedded in a room representation.
	RoomMessagesLimit int
	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string
}

// Handlers groups HTTP endpoints for rooms, messages, and live chat.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	roomSvc RoomService
	msgSvc  MessageService
	hub     ChatHub

	roomMessagesLimit int
	upgrader          websocket.Upgrader
}

// New constructs and returns a Handlers instance bound to the given services.
func New(roomSvc RoomService, msgSvc MessageService, hub ChatHub, opts Options) *Handlers {
	limit := opts.RoomMessagesLimit
	if limit <= 0 {
		limit = 50
	}
	return &Handlers{
		roomSvc:           roomSvc,
		msgSvc:            msgSvc,
		hub:               hub,
		roomMessagesLimit: limit,
		upgrader:          newUpgrader(opts.AllowedOrigins),
	}
}

// userID extracts the authenticated user id set by the Principal middleware.
// It falls back to the X-User-ID header so handlers stay usable in tests
// that mount them without middleware.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		return strings.TrimSpace(c.GetHeader("X-User-ID"))
	}
	return ""
}

// requireUser writes a 401 and returns false when no principal is known.
func requireUser(c *gin.Context) (string, bool) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return "", false
	}
	return uid, true
}

//
// DTOs
//

// CreateRoomRequest is the JSON payload for opening a room.
type CreateRoomRequest struct {
	// ProductID is the listing to talk about; the seller is resolved from it.
	ProductID string `json:"product_id" binding:"required" example:"p-42"`
}

// RoomSummary is a room as it appears in list pages.
type RoomSummary struct {
	domain.Room
	// LatestMessage is the newest message, or null for an empty room.
	LatestMessage *domain.Message `json:"latest_message"`
}

// RoomDetail is a room with its most recent messages in ascending order.
type RoomDetail struct {
	RoomSummary
	Messages []domain.Message `json:"messages"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListRoomsResponse wraps a page of rooms and pagination information.
type ListRoomsResponse struct {
	Rooms      []RoomSummary `json:"rooms"`
	Pagination Pagination    `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page (alias p) and page_size query
// params to sane defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	raw := c.Query("page")
	if raw == "" {
		raw = c.Query("p")
	}
	pg := utils.NormalizePage(
		utils.AtoiDefault(raw, defaultPage),
		utils.AtoiDefault(c.Query("page_size"), defaultPageSize),
		defaultPageSize,
		maxPageSize,
	)
	return pg.Number, pg.Size
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

func (h *Handlers) summary(ctx context.Context, r domain.Room) (RoomSummary, error) {
	latest, err := h.msgSvc.Latest(ctx, r.ID)
	if err != nil {
		return RoomSummary{}, err
	}
	return RoomSummary{Room: r, LatestMessage: latest}, nil
}

func (h *Handlers) detail(ctx context.Context, r domain.Room) (RoomDetail, error) {
	s, err := h.summary(ctx, r)
	if err != nil {
		return RoomDetail{}, err
	}
	msgs, err := h.msgSvc.Recent(ctx, r.ID, h.roomMessagesLimit)
	if err != nil {
		return RoomDetail{}, err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return RoomDetail{RoomSummary: s, Messages: msgs}, nil
}

// failRoomLookup maps room lookup errors to responses.
func failRoomLookup(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrRoomNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "chatroom does not exist")
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not a participant of this room")
	default:
		failInternal(c, ErrCodeInternal, err)
	}
}

//
// Handlers
//

// CreateRoom godoc
// @ID          createRoom
// @Summary     Open the chat room for a product
// @Description Returns the caller's room with the product's seller, creating it on first use.
// @Description Responds 201 when the room was created and 200 when it already existed.
// @Tags        Rooms
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (when no bearer token is configured)"  example(buyer-1)
// @Param       body       body    handlers.CreateRoomRequest  true  "Create room payload"
//
// @Success     200  {object}  handlers.RoomDetail  "Existing room"
// @Success     201  {object}  handlers.RoomDetail  "Created room"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request or invalid reference"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Security    BearerAuth
// @Router      /rooms [post]
func (h *Handlers) CreateRoom(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ProductID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "product_id required")
		return
	}

	ctx := c.Request.Context()
	room, created, err := h.roomSvc.OpenForProduct(ctx, strings.TrimSpace(req.ProductID), uid)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidReference):
			fail(c, http.StatusBadRequest, ErrCodeInvalidReference, err.Error())
		default:
			failInternal(c, ErrCodeCreateFailed, err)
		}
		return
	}

	d, err := h.detail(ctx, *room)
	if err != nil {
		failInternal(c, ErrCodeInternal, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, d)
}

// ListRooms godoc
// @ID          listRooms
// @Summary     List the caller's rooms (paginated)
// @Description Returns rooms where the caller is seller or buyer, most recently created first.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Rooms
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (when no bearer token is configured)"  example(buyer-1)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number (alias p)"       minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"              minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListRoomsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Security    BearerAuth
// @Router      /rooms [get]
func (h *Handlers) ListRooms(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, ok := h.roomSvc.(*services.RoomService); ok {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.RoomsStats(ctx, db, uid)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"rooms:%s:%d:%d:%d:%d"`, uid, page, pageSize, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.roomSvc.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		failInternal(c, ErrCodeListFailed, err)
		return
	}

	rooms := make([]RoomSummary, 0, len(items))
	for _, r := range items {
		s, err := h.summary(ctx, r)
		if err != nil {
			failInternal(c, ErrCodeListFailed, err)
			return
		}
		rooms = append(rooms, s)
	}
	ok(c, http.StatusOK, ListRoomsResponse{
		Rooms:      rooms,
		Pagination: newPagination(page, pageSize, total),
	})
}

// GetRoom godoc
// @ID          getRoom
// @Summary     Get one room
// @Description Returns the room with its most recent messages. Participants only.
// @Tags        Rooms
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (when no bearer token is configured)"  example(buyer-1)
// @Param       room_id    path    string  true  "Room ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.RoomDetail
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Room not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Security    BearerAuth
// @Router      /rooms/{room_id} [get]
func (h *Handlers) GetRoom(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	room, err := h.roomSvc.GetForUser(ctx, c.Param("room_id"), uid)
	if err != nil {
		failRoomLookup(c, err)
		return
	}
	d, err := h.detail(ctx, *room)
	if err != nil {
		failInternal(c, ErrCodeInternal, err)
		return
	}
	ok(c, http.StatusOK, d)
}
