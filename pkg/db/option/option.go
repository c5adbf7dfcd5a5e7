// Package option holds composable query modifiers for the generic store.
package option

import "gorm.io/gorm"

// QueryOption tweaks a query built by the repository.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type optionFunc func(db *gorm.DB) *gorm.DB

func (f optionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// WithLimit caps the number of rows returned.
func WithLimit(limit int) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB { return db.Limit(limit) })
}

// WithOrder applies an ORDER BY clause.
func WithOrder(order string) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB { return db.Order(order) })
}

// WithPreload eagerly loads an association.
func WithPreload(association string, args ...any) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB { return db.Preload(association, args...) })
}
