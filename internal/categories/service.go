// Package categories provides the catalogue of poll categories.
package categories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "categories.service.new"
	opList       = "categories.list"
	opEnsure     = "categories.ensure"

	listCacheKey    = "all"
	defaultCacheTTL = time.Minute
	maxNameLength   = 120
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidName indicates an empty or oversized category name.
	ErrInvalidName = errors.New("categories: invalid name")
)

// Category is a named poll category.
type Category struct {
	ID   string `gorm:"column:category_id;primaryKey;size:190" json:"id"`
	Name string `gorm:"column:name;size:120;not null;uniqueIndex" json:"name"`
}

// TableName provides the explicit table binding for GORM.
func (Category) TableName() string {
	return "categories"
}

// ServiceError carries a dotted "<operation>.<reason>" code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig wires the category service.
type ServiceConfig struct {
	Database *gorm.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// Service lists categories through a short-lived cache.
type Service struct {
	db     *gorm.DB
	cache  *expirable.LRU[string, []Category]
	logger *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		cache:  expirable.NewLRU[string, []Category](1, nil, ttl),
		logger: logger,
	}, nil
}

// ListCategories returns every category ordered by name.
func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	if cached, ok := s.cache.Get(listCacheKey); ok {
		return cached, nil
	}
	var found []Category
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&found).Error; err != nil {
		s.logger.Error("category list failed", zap.String("operation", opList), zap.Error(err))
		return nil, newServiceError(opList, "query_failed", err)
	}
	s.cache.Add(listCacheKey, found)
	return found, nil
}

// Ensure inserts the named categories that do not exist yet and returns the full catalogue.
func (s *Service) Ensure(ctx context.Context, names []string) ([]Category, error) {
	rows := make([]Category, 0, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" || len(trimmed) > maxNameLength {
			return nil, newServiceError(opEnsure, "invalid_name", fmt.Errorf("%w: %q", ErrInvalidName, name))
		}
		rows = append(rows, Category{ID: Slug(trimmed), Name: trimmed})
	}
	if len(rows) > 0 {
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
		if err != nil {
			s.logger.Error("category insert failed", zap.String("operation", opEnsure), zap.Error(err))
			return nil, newServiceError(opEnsure, "insert_failed", err)
		}
	}
	s.cache.Remove(listCacheKey)
	return s.ListCategories(ctx)
}

// Slug derives a category identifier from its name.
func Slug(name string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(name)))
	return strings.Join(fields, "-")
}
