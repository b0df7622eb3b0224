package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/repo"
)

// ProductCatalog resolves a listing to its seller. The catalog itself is
// owned outside the chat service.
type ProductCatalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

// GormCatalog reads the products table through the shared DB handle.
type GormCatalog struct {
	DB *gorm.DB
}

// NewGormCatalog returns a catalog backed by db.
func NewGormCatalog(db *gorm.DB) *GormCatalog { return &GormCatalog{DB: db} }

// GetProduct returns repo.ErrNotFound for unknown ids.
func (c *GormCatalog) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return repo.GetProduct(ctx, c.DB, id)
}
