// Package repository provides a small generic gorm store for entities that
// only need filter/create/update access.
package repository

import (
	"context"

	"github.com/wrls/tariff-engine/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is the generic store contract.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, resource any) error
	Delete(ctx context.Context, resourceID string) error
	Count(ctx context.Context, query *T) (int64, error)
	BatchCreate(ctx context.Context, resources []*T) error
}
