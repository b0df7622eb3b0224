// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// RoomsStats returns aggregate metadata for the rooms a user takes part in:
// the total number of rooms and the newest activity among them, which is the
// later of the newest room creation and the newest message in any of them.
//
// When the user has no rooms, the returned count is 0 and lastActivity is nil.
//
// Return values:
//   - count:        total rooms where userID is seller or buyer
//   - lastActivity: pointer to the newest created_at, or nil if no rows
//   - err:          database error, if any
func RoomsStats(ctx context.Context, db *gorm.DB, userID string) (count int64, lastActivity *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Room{}).Where("seller_id = ? OR buyer_id = ?", userID, userID)

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Newest room (avoid MAX() -> TEXT in SQLite)
	var roomRow struct {
		CreatedAt time.Time
	}
	if err = db.WithContext(ctx).Model(&domain.Room{}).
		Where("seller_id = ? OR buyer_id = ?", userID, userID).
		Select("created_at").Order("created_at DESC").Limit(1).
		Scan(&roomRow).Error; err != nil {
		return 0, nil, err
	}
	latest := roomRow.CreatedAt

	// Newest message across those rooms
	var msgRow struct {
		CreatedAt time.Time
	}
	res := db.WithContext(ctx).Model(&domain.Message{}).
		Joins("JOIN rooms ON rooms.id = messages.room_id").
		Where("rooms.seller_id = ? OR rooms.buyer_id = ?", userID, userID).
		Select("messages.created_at").Order("messages.created_at DESC").Limit(1).
		Scan(&msgRow)
	if res.Error != nil {
		return 0, nil, res.Error
	}
	if res.RowsAffected > 0 && msgRow.CreatedAt.After(latest) {
		latest = msgRow.CreatedAt
	}
	return count, &latest, nil
}
