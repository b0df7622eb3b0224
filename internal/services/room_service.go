// Package services – RoomService
//
// This file implements RoomService, the room directory. It maps a
// (product, seller, buyer) triple to exactly one room, relying on the
// storage layer's unique index and a re-read on conflict instead of
// application locks, so concurrent callers with the same triple converge
// on the same room.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// room, product and user identifiers where applicable.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/repo"
	"github.com/tbourn/go-market-chat/internal/utils"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RoomRepo defines the repository contract required by RoomService.
type RoomRepo interface {
	// CreateRoom inserts a room; it returns repo.ErrDuplicate if the triple exists.
	CreateRoom(ctx context.Context, db *gorm.DB, productID, sellerID, buyerID string) (*domain.Room, error)

	// FindRoomByTriple returns repo.ErrNotFound if no room matches.
	FindRoomByTriple(ctx context.Context, db *gorm.DB, productID, sellerID, buyerID string) (*domain.Room, error)

	// GetRoom fetches a room by ID.
	GetRoom(ctx context.Context, db *gorm.DB, id string) (*domain.Room, error)

	// RoomExists reports whether the room is present.
	RoomExists(ctx context.Context, db *gorm.DB, id string) (bool, error)

	// CountRoomsForUser returns the total rooms where the user is seller or buyer.
	CountRoomsForUser(ctx context.Context, db *gorm.DB, userID string) (int64, error)

	// ListRoomsForUserPage returns a page of those rooms, newest first.
	ListRoomsForUserPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Room, error)
}

// defaultCreateAttempts bounds the find/insert loop. Two rounds are enough
// for any single conflict; the rest absorbs transient races.
const defaultCreateAttempts = 4

// defaultPageSize applies when a list call passes a non-positive page size.
const defaultPageSize = 20

// RoomService resolves, creates and lists chat rooms.
type RoomService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the room repository used by this service.
	Repo RoomRepo
	// Catalog resolves products to sellers for OpenForProduct.
	Catalog ProductCatalog

	// MaxAttempts caps get-or-create retries after unique conflicts.
	MaxAttempts int
}

// NewRoomService constructs a RoomService with default retry settings.
func NewRoomService(db *gorm.DB, r RoomRepo, catalog ProductCatalog) *RoomService {
	return &RoomService{
		DB:          db,
		Repo:        r,
		Catalog:     catalog,
		MaxAttempts: defaultCreateAttempts,
	}
}

// GetOrCreate returns the room for the triple, creating it if absent.
// created reports whether this call inserted the row.
//
// A conflicting concurrent insert surfaces as repo.ErrDuplicate, after which
// the loop re-reads the winner's row.
func (s *RoomService) GetOrCreate(ctx context.Context, productID, sellerID, buyerID string) (room *domain.Room, created bool, err error) {
	tr := otel.Tracer("services/RoomService")
	ctx, span := tr.Start(ctx, "GetOrCreate",
		trace.WithAttributes(
			attribute.String("product.id", productID),
			attribute.String("seller.id", sellerID),
			attribute.String("buyer.id", buyerID),
		),
	)
	defer span.End()

	productID = strings.TrimSpace(productID)
	sellerID = strings.TrimSpace(sellerID)
	buyerID = strings.TrimSpace(buyerID)
	switch {
	case productID == "":
		return nil, false, fmt.Errorf("%w: product is required", ErrInvalidReference)
	case sellerID == "":
		return nil, false, fmt.Errorf("%w: seller is required", ErrInvalidReference)
	case buyerID == "":
		return nil, false, fmt.Errorf("%w: buyer is required", ErrInvalidReference)
	case sellerID == buyerID:
		return nil, false, fmt.Errorf("%w: seller and buyer must differ", ErrInvalidReference)
	}

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = defaultCreateAttempts
	}
	for i := 0; i < attempts; i++ {
		r, err := s.Repo.FindRoomByTriple(ctx, s.DB, productID, sellerID, buyerID)
		if err == nil {
			span.SetAttributes(attribute.String("room.id", r.ID), attribute.Bool("room.created", false))
			return r, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			span.RecordError(err)
			return nil, false, fmt.Errorf("%w: find room: %v", ErrPersistence, err)
		}

		r, err = s.Repo.CreateRoom(ctx, s.DB, productID, sellerID, buyerID)
		if err == nil {
			span.SetAttributes(attribute.String("room.id", r.ID), attribute.Bool("room.created", true))
			return r, true, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			span.RecordError(err)
			return nil, false, fmt.Errorf("%w: create room: %v", ErrPersistence, err)
		}
		// Lost the race: the next round reads the winner's row.
	}
	return nil, false, fmt.Errorf("%w: room creation kept conflicting after %d attempts", ErrPersistence, attempts)
}

// OpenForProduct resolves the product's seller and gets or creates the room
// between that seller and buyerID.
func (s *RoomService) OpenForProduct(ctx context.Context, productID, buyerID string) (*domain.Room, bool, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, false, fmt.Errorf("%w: product_id is required", ErrInvalidReference)
	}
	if s.Catalog == nil {
		return nil, false, fmt.Errorf("%w: no product catalog configured", ErrInvalidReference)
	}
	p, err := s.Catalog.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: unknown product %q", ErrInvalidReference, productID)
		}
		return nil, false, fmt.Errorf("%w: product lookup: %v", ErrPersistence, err)
	}
	if p.SellerID == buyerID {
		return nil, false, fmt.Errorf("%w: cannot open a chat on your own product", ErrInvalidReference)
	}
	return s.GetOrCreate(ctx, p.ID, p.SellerID, buyerID)
}

// Exists reports whether roomID names a room.
func (s *RoomService) Exists(ctx context.Context, roomID string) (bool, error) {
	if strings.TrimSpace(roomID) == "" {
		return false, nil
	}
	ok, err := s.Repo.RoomExists(ctx, s.DB, roomID)
	if err != nil {
		return false, fmt.Errorf("%w: room exists: %v", ErrPersistence, err)
	}
	return ok, nil
}

// Get returns the room or ErrRoomNotFound.
func (s *RoomService) Get(ctx context.Context, roomID string) (*domain.Room, error) {
	tr := otel.Tracer("services/RoomService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("room.id", roomID)))
	defer span.End()

	r, err := s.Repo.GetRoom(ctx, s.DB, roomID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("%w: get room: %v", ErrPersistence, err)
	}
	return r, nil
}

// GetForUser returns the room if userID is one of its two participants,
// ErrForbidden otherwise.
func (s *RoomService) GetForUser(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	r, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.HasParticipant(userID) {
		return nil, ErrForbidden
	}
	return r, nil
}

// ListPage returns a page of rooms where userID is seller or buyer,
// most recently created first. It applies defaults for invalid
// page/pageSize and returns the total count.
func (s *RoomService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Room, int64, error) {
	tr := otel.Tracer("services/RoomService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	pg := utils.NormalizePage(page, pageSize, defaultPageSize, 0)

	total, err := s.Repo.CountRoomsForUser(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Room{}, 0, nil
	}

	items, err := s.Repo.ListRoomsForUserPage(ctx, s.DB, userID, pg.Offset(), pg.Size)
	return items, total, err
}
