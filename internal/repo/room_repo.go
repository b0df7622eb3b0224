// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Room model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only
// persistence and query composition.
//
// Error semantics:
//   - When a room is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - When an insert collides with the (product, seller, buyer) unique
//     index, CreateRoom returns ErrDuplicate so callers can re-read.
//   - On other DB errors the raw gorm error is propagated.
//
// Functions:
//
//   - CreateRoom(ctx, db, productID, sellerID, buyerID) -> *domain.Room, error
//   - FindRoomByTriple(ctx, db, productID, sellerID, buyerID) -> *domain.Room, error
//   - GetRoom(ctx, db, id) -> *domain.Room, error
//   - RoomExists(ctx, db, id) -> bool, error
//   - CountRoomsForUser(ctx, db, userID) -> int64, error
//   - ListRoomsForUserPage(ctx, db, userID, offset, limit) -> []domain.Room, error
//
// Usage:
//
//	room, err := repo.CreateRoom(ctx, db, productID, sellerID, buyerID)
//	if errors.Is(err, repo.ErrDuplicate) {
//	    room, err = repo.FindRoomByTriple(ctx, db, productID, sellerID, buyerID)
//	}
//
// The get-or-create loop itself lives in services.RoomService.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates an insert hit a unique index.
var ErrDuplicate = errors.New("duplicate")

// newID returns a time-ordered UUIDv7 so ids sort close to creation order.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// isUniqueViolation recognizes unique-index failures from both drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value violates unique constraint") ||
		strings.Contains(low, "sqlstate 23505")
}

// CreateRoom inserts a new room for the triple. If another writer created
// the same triple first, it returns ErrDuplicate.
func CreateRoom(ctx context.Context, db *gorm.DB, productID, sellerID, buyerID string) (*domain.Room, error) {
	r := &domain.Room{
		ID:        newID(),
		ProductID: productID,
		SellerID:  sellerID,
		BuyerID:   buyerID,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return r, nil
}

// FindRoomByTriple returns the room keyed on (product, seller, buyer) or
// ErrNotFound.
func FindRoomByTriple(ctx context.Context, db *gorm.DB, productID, sellerID, buyerID string) (*domain.Room, error) {
	var r domain.Room
	err := db.WithContext(ctx).
		Where("product_id = ? AND seller_id = ? AND buyer_id = ?", productID, sellerID, buyerID).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRoom fetches a single room by its ID. If the record does not exist,
// it returns ErrNotFound.
func GetRoom(ctx context.Context, db *gorm.DB, id string) (*domain.Room, error) {
	var r domain.Room
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// RoomExists reports whether a room with the given id is present.
func RoomExists(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Room{}).
		Where("id = ?", id).
		Limit(1).
		Count(&n).Error
	return n > 0, err
}

// CountRoomsForUser returns the number of rooms where userID is the seller
// or the buyer.
func CountRoomsForUser(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Room{}).
		Where("seller_id = ? OR buyer_id = ?", userID, userID).
		Count(&total).Error
	return total, err
}

// ListRoomsForUserPage returns a page of rooms where userID participates,
// most recently created first. Ties on created_at fall back to id, which is
// time-ordered.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListRoomsForUserPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Room, error) {
	var out []domain.Room
	err := db.WithContext(ctx).
		Where("seller_id = ? OR buyer_id = ?", userID, userID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
