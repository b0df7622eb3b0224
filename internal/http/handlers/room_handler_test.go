package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/chat"
	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/repo"
	"github.com/tbourn/go-market-chat/internal/services"
)

// ---------- stubs ----------

type stubRoomSvc struct {
	open func(ctx context.Context, productID, buyerID string) (*domain.Room, bool, error)
	get  func(ctx context.Context, roomID, userID string) (*domain.Room, error)
	list func(ctx context.Context, userID string, page, pageSize int) ([]domain.Room, int64, error)
}

func (s stubRoomSvc) OpenForProduct(ctx context.Context, productID, buyerID string) (*domain.Room, bool, error) {
	if s.open != nil {
		return s.open(ctx, productID, buyerID)
	}
	return &domain.Room{ID: "r1", ProductID: productID, SellerID: "seller-1", BuyerID: buyerID}, true, nil
}

func (s stubRoomSvc) GetForUser(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	if s.get != nil {
		return s.get(ctx, roomID, userID)
	}
	return &domain.Room{ID: roomID, ProductID: "p1", SellerID: "seller-1", BuyerID: userID}, nil
}

func (s stubRoomSvc) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Room, int64, error) {
	if s.list != nil {
		return s.list(ctx, userID, page, pageSize)
	}
	return nil, 0, nil
}

type stubMsgSvc struct {
	latest func(ctx context.Context, roomID string) (*domain.Message, error)
	recent func(ctx context.Context, roomID string, limit int) ([]domain.Message, error)
	list   func(ctx context.Context, roomID string, page, pageSize int) ([]domain.Message, int64, error)
}

func (s stubMsgSvc) Latest(ctx context.Context, roomID string) (*domain.Message, error) {
	if s.latest != nil {
		return s.latest(ctx, roomID)
	}
	return nil, nil
}

func (s stubMsgSvc) Recent(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if s.recent != nil {
		return s.recent(ctx, roomID, limit)
	}
	return nil, nil
}

func (s stubMsgSvc) ListPage(ctx context.Context, roomID string, page, pageSize int) ([]domain.Message, int64, error) {
	if s.list != nil {
		return s.list(ctx, roomID, page, pageSize)
	}
	return nil, 0, nil
}

type stubHub struct {
	serve func(ctx context.Context, conn chat.Conn, roomID, userID string)
}

func (s stubHub) Serve(ctx context.Context, conn chat.Conn, roomID, userID string) {
	if s.serve != nil {
		s.serve(ctx, conn, roomID, userID)
		return
	}
	_ = conn.Close()
}

// ---------- plumbing ----------

func newRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/rooms", h.CreateRoom)
	r.GET("/rooms", h.ListRooms)
	r.GET("/rooms/:room_id", h.GetRoom)
	r.GET("/rooms/:room_id/messages", h.ListMessages)
	r.GET("/ws/chat/:room_id", h.ChatWS)
	return r
}

func do(t *testing.T, r http.Handler, method, path, user string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

// newHandlerDB returns real services over a fresh sqlite file.
func newHandlerDB(t *testing.T) (*gorm.DB, *services.RoomService, *services.MessageService) {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "handlers.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	rooms := services.NewRoomService(db, repo.Store{}, services.NewGormCatalog(db))
	msgs := services.NewMessageService(db, repo.Store{})
	return db, rooms, msgs
}

// ---------- CreateRoom ----------

func TestCreateRoom_RequiresUser(t *testing.T) {
	r := newRouter(New(stubRoomSvc{}, stubMsgSvc{}, stubHub{}, Options{}))
	w := do(t, r, http.MethodPost, "/rooms", "", map[string]string{"product_id": "p1"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if e := decode[ErrorResponse](t, w); e.Code != ErrCodeUnauthorized {
		t.Fatalf("code = %q", e.Code)
	}
}

func TestCreateRoom_BadBody(t *testing.T) {
	r := newRouter(New(stubRoomSvc{}, stubMsgSvc{}, stubHub{}, Options{}))
	for _, body := range []any{map[string]string{}, map[string]string{"product_id": "   "}} {
		w := do(t, r, http.MethodPost, "/rooms", "buyer-1", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d for %v", w.Code, body)
		}
	}
}

func TestCreateRoom_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: product %q does not exist", services.ErrInvalidReference, "p9"), http.StatusBadRequest, ErrCodeInvalidReference},
		{fmt.Errorf("%w: boom", services.ErrPersistence), http.StatusInternalServerError, ErrCodeCreateFailed},
	}
	for _, tc := range cases {
		svc := stubRoomSvc{open: func(context.Context, string, string) (*domain.Room, bool, error) { return nil, false, tc.err }}
		r := newRouter(New(svc, stubMsgSvc{}, stubHub{}, Options{}))
		w := do(t, r, http.MethodPost, "/rooms", "buyer-1", map[string]string{"product_id": "p9"}, nil)
		if w.Code != tc.status {
			t.Fatalf("status = %d, want %d", w.Code, tc.status)
		}
		if e := decode[ErrorResponse](t, w); e.Code != tc.code {
			t.Fatalf("code = %q, want %q", e.Code, tc.code)
		}
	}
}

func TestCreateRoom_CreatedThenExisting(t *testing.T) {
	created := true
	var gotLimit int
	svc := stubRoomSvc{open: func(_ context.Context, p, b string) (*domain.Room, bool, error) {
		return &domain.Room{ID: "r1", ProductID: p, SellerID: "seller-1", BuyerID: b}, created, nil
	}}
	msgs := stubMsgSvc{recent: func(_ context.Context, _ string, limit int) ([]domain.Message, error) {
		gotLimit = limit
		return nil, nil
	}}
	r := newRouter(New(svc, msgs, stubHub{}, Options{RoomMessagesLimit: 7}))

	w := do(t, r, http.MethodPost, "/rooms", "buyer-1", map[string]string{"product_id": "p1"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`"id":"r1"`, `"product":"p1"`, `"seller":"seller-1"`, `"buyer":"buyer-1"`, `"latest_message":null`, `"messages":[]`} {
		if !strings.Contains(body, want) {
			t.Fatalf("body %s missing %s", body, want)
		}
	}
	if gotLimit != 7 {
		t.Fatalf("Recent limit = %d", gotLimit)
	}

	created = false
	w = do(t, r, http.MethodPost, "/rooms", "buyer-1", map[string]string{"product_id": "p1"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCreateRoom_RealServices(t *testing.T) {
	db, rooms, msgs := newHandlerDB(t)
	ctx := context.Background()
	if err := repo.UpsertProduct(ctx, db, &domain.Product{ID: "p1", SellerID: "seller-1", Title: "Bike"}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	r := newRouter(New(rooms, msgs, stubHub{}, Options{}))

	w := do(t, r, http.MethodPost, "/rooms", "buyer-1", map[string]string{"product_id": "p1"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("first status = %d %s", w.Code, w.Body.String())
	}
	first := decode[RoomDetail](t, w)

	if _, err := msgs.Append(ctx, first.ID, "buyer", "is it available?"); err != nil {
		t.Fatalf("append: %v", err)
	}

	w = do(t, r, http.MethodPost, "/rooms", "buyer-1", map[string]string{"product_id": "p1"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second status = %d", w.Code)
	}
	second := decode[RoomDetail](t, w)
	if second.ID != first.ID {
		t.Fatalf("room ids differ: %s vs %s", first.ID, second.ID)
	}
	if len(second.Messages) != 1 || second.LatestMessage == nil || second.LatestMessage.Body != "is it available?" {
		t.Fatalf("unexpected detail: %+v", second)
	}

	// Unknown product and self-chat are invalid references.
	w = do(t, r, http.MethodPost, "/rooms", "buyer-1", map[string]string{"product_id": "nope"}, nil)
	if w.Code != http.StatusBadRequest || decode[ErrorResponse](t, w).Code != ErrCodeInvalidReference {
		t.Fatalf("unknown product: %d %s", w.Code, w.Body.String())
	}
	w = do(t, r, http.MethodPost, "/rooms", "seller-1", map[string]string{"product_id": "p1"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("self chat: %d", w.Code)
	}
}

// ---------- GetRoom ----------

func TestGetRoom_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrRoomNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrForbidden, http.StatusForbidden, ErrCodeForbidden},
		{fmt.Errorf("%w: db down", services.ErrPersistence), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		svc := stubRoomSvc{get: func(context.Context, string, string) (*domain.Room, error) { return nil, tc.err }}
		r := newRouter(New(svc, stubMsgSvc{}, stubHub{}, Options{}))
		w := do(t, r, http.MethodGet, "/rooms/r1", "buyer-1", nil, nil)
		if w.Code != tc.status || decode[ErrorResponse](t, w).Code != tc.code {
			t.Fatalf("%v: got %d %s", tc.err, w.Code, w.Body.String())
		}
	}
}

func TestGetRoom_OK(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := stubMsgSvc{
		recent: func(_ context.Context, roomID string, _ int) ([]domain.Message, error) {
			return []domain.Message{
				{ID: "m1", RoomID: roomID, Sender: "a", Body: "one", CreatedAt: at},
				{ID: "m2", RoomID: roomID, Sender: "b", Body: "two", CreatedAt: at.Add(time.Second)},
			}, nil
		},
		latest: func(_ context.Context, roomID string) (*domain.Message, error) {
			return &domain.Message{ID: "m2", RoomID: roomID, Sender: "b", Body: "two"}, nil
		},
	}
	r := newRouter(New(stubRoomSvc{}, msgs, stubHub{}, Options{}))
	w := do(t, r, http.MethodGet, "/rooms/r1", "buyer-1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	d := decode[RoomDetail](t, w)
	if d.ID != "r1" || len(d.Messages) != 2 || d.Messages[0].ID != "m1" || d.LatestMessage.ID != "m2" {
		t.Fatalf("unexpected detail: %+v", d)
	}
}

func TestGetRoom_MessageFailureIs500(t *testing.T) {
	msgs := stubMsgSvc{latest: func(context.Context, string) (*domain.Message, error) { return nil, errors.New("db") }}
	r := newRouter(New(stubRoomSvc{}, msgs, stubHub{}, Options{}))
	if w := do(t, r, http.MethodGet, "/rooms/r1", "buyer-1", nil, nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
}

// ---------- ListRooms ----------

func TestListRooms_PaginationAndAlias(t *testing.T) {
	var gotPage, gotSize int
	svc := stubRoomSvc{list: func(_ context.Context, uid string, page, size int) ([]domain.Room, int64, error) {
		gotPage, gotSize = page, size
		return []domain.Room{{ID: "r3", BuyerID: uid}}, 5, nil
	}}
	r := newRouter(New(svc, stubMsgSvc{}, stubHub{}, Options{}))

	w := do(t, r, http.MethodGet, "/rooms?p=3&page_size=2", "buyer-1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotPage != 3 || gotSize != 2 {
		t.Fatalf("page=%d size=%d", gotPage, gotSize)
	}
	resp := decode[ListRoomsResponse](t, w)
	if len(resp.Rooms) != 1 || resp.Pagination.TotalPages != 3 || resp.Pagination.HasNext {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if strings.Contains(w.Body.String(), `"messages"`) {
		t.Fatalf("list pages must not embed messages: %s", w.Body.String())
	}
}

func TestListRooms_Errors(t *testing.T) {
	svc := stubRoomSvc{list: func(context.Context, string, int, int) ([]domain.Room, int64, error) {
		return nil, 0, errors.New("boom")
	}}
	r := newRouter(New(svc, stubMsgSvc{}, stubHub{}, Options{}))
	if w := do(t, r, http.MethodGet, "/rooms", "", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no user: %d", w.Code)
	}
	w := do(t, r, http.MethodGet, "/rooms", "buyer-1", nil, nil)
	if w.Code != http.StatusInternalServerError || decode[ErrorResponse](t, w).Code != ErrCodeListFailed {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
}

func TestListRooms_ETagRoundTrip(t *testing.T) {
	_, rooms, msgs := newHandlerDB(t)
	ctx := context.Background()
	if _, _, err := rooms.GetOrCreate(ctx, "p1", "seller-1", "buyer-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := newRouter(New(rooms, msgs, stubHub{}, Options{}))

	w := do(t, r, http.MethodGet, "/rooms", "buyer-1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	etag := w.Header().Get("ETag")
	if !strings.HasPrefix(etag, `W/"rooms:buyer-1:`) {
		t.Fatalf("ETag = %q", etag)
	}
	if resp := decode[ListRoomsResponse](t, w); len(resp.Rooms) != 1 || resp.Pagination.Total != 1 {
		t.Fatalf("unexpected list: %+v", resp)
	}

	w = do(t, r, http.MethodGet, "/rooms", "buyer-1", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}

	// New activity changes the tag.
	if _, _, err := rooms.GetOrCreate(ctx, "p2", "seller-2", "buyer-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w = do(t, r, http.MethodGet, "/rooms", "buyer-1", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusOK || w.Header().Get("ETag") == etag {
		t.Fatalf("expected fresh 200, got %d etag %q", w.Code, w.Header().Get("ETag"))
	}
}

// ---------- helpers ----------

func TestClampPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query      string
		page, size int
	}{
		{"", 1, 20},
		{"page=0&page_size=0", 1, 20},
		{"page=2&page_size=500", 2, 100},
		{"p=4", 4, 20},
		{"page=5&p=9", 5, 20},
		{"page=abc&page_size=xyz", 1, 20},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/rooms?"+tc.query, nil)
		page, size := clampPagination(c)
		if page != tc.page || size != tc.size {
			t.Fatalf("%q: got (%d,%d), want (%d,%d)", tc.query, page, size, tc.page, tc.size)
		}
	}
}
