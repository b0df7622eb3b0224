// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// CreateMessage inserts a message into roomID. The timestamp is the later of
// the wall clock and the room's newest message, so created_at never goes
// backwards within a room even if the clock does. The read and the insert are
// not one transaction: two sessions writing at the same instant may interleave,
// and readers break such ties on id.
func CreateMessage(ctx context.Context, db *gorm.DB, roomID, sender, body string) (*domain.Message, error) {
	now := time.Now().UTC()
	var last struct {
		CreatedAt time.Time
	}
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Select("created_at").
		Where("room_id = ?", roomID).
		Order("created_at desc").
		Limit(1).
		Scan(&last)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 && last.CreatedAt.After(now) {
		now = last.CreatedAt.UTC()
	}

	m := &domain.Message{
		ID:        newID(),
		RoomID:    roomID,
		Sender:    sender,
		Body:      body,
		CreatedAt: now,
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// LatestMessage returns the newest message of a room, or ErrNotFound when the
// room has none.
func LatestMessage(ctx context.Context, db *gorm.DB, roomID string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at desc, id desc").
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, roomID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM messages WHERE room_id = ?", roomID).
		Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a page of a room's history, newest first
// (created_at DESC, id DESC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, roomID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// RecentMessages returns up to limit of the newest messages in ascending
// order, the shape a client appends to a live view.
func RecentMessages(ctx context.Context, db *gorm.DB, roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	out, err := ListMessagesPage(ctx, db, roomID, 0, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
