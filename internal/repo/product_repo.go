// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides read access to the product catalog.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// GetProduct fetches a listing by id, or ErrNotFound.
func GetProduct(ctx context.Context, db *gorm.DB, id string) (*domain.Product, error) {
	var p domain.Product
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProduct writes a listing. Only seeding and tests use it; the catalog
// is owned elsewhere in production.
func UpsertProduct(ctx context.Context, db *gorm.DB, p *domain.Product) error {
	return db.WithContext(ctx).Save(p).Error
}
