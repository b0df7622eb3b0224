package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// Store binds the package-level functions to method form so the service
// layer can depend on narrow interfaces (services.RoomRepo,
// services.MessageRepo) and tests can swap in fakes.
type Store struct{}

func (Store) CreateRoom(ctx context.Context, db *gorm.DB, productID, sellerID, buyerID string) (*domain.Room, error) {
	return CreateRoom(ctx, db, productID, sellerID, buyerID)
}

func (Store) FindRoomByTriple(ctx context.Context, db *gorm.DB, productID, sellerID, buyerID string) (*domain.Room, error) {
	return FindRoomByTriple(ctx, db, productID, sellerID, buyerID)
}

func (Store) GetRoom(ctx context.Context, db *gorm.DB, id string) (*domain.Room, error) {
	return GetRoom(ctx, db, id)
}

func (Store) RoomExists(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	return RoomExists(ctx, db, id)
}

func (Store) CountRoomsForUser(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return CountRoomsForUser(ctx, db, userID)
}

func (Store) ListRoomsForUserPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Room, error) {
	return ListRoomsForUserPage(ctx, db, userID, offset, limit)
}

func (Store) CreateMessage(ctx context.Context, db *gorm.DB, roomID, sender, body string) (*domain.Message, error) {
	return CreateMessage(ctx, db, roomID, sender, body)
}

func (Store) LatestMessage(ctx context.Context, db *gorm.DB, roomID string) (*domain.Message, error) {
	return LatestMessage(ctx, db, roomID)
}

func (Store) CountMessages(ctx context.Context, db *gorm.DB, roomID string) (int64, error) {
	return CountMessages(ctx, db, roomID)
}

func (Store) ListMessagesPage(ctx context.Context, db *gorm.DB, roomID string, offset, limit int) ([]domain.Message, error) {
	return ListMessagesPage(ctx, db, roomID, offset, limit)
}

func (Store) RecentMessages(ctx context.Context, db *gorm.DB, roomID string, limit int) ([]domain.Message, error) {
	return RecentMessages(ctx, db, roomID, limit)
}
