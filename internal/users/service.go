// Package users resolves session identities and owns the selection preferences of each user.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pollcast/internal/auth"
	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew     = "users.service.new"
	opResolve        = "users.resolve"
	opProfile        = "users.profile"
	opAppendCategory = "users.append_category"
	opSaveProfile    = "users.save_profile"

	defaultProvider  = "default"
	defaultCacheSize = 4096
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownUser indicates no profile exists for the requested user id.
	ErrUnknownUser = errors.New("users: unknown user")

	errMissingDatabase = errors.New("database handle is required")
)

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

// ServiceConfig describes the dependencies required for identity resolution and preferences.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Logger    *zap.Logger
	CacheSize int
}

// Service manages canonical user identifiers and the preference profile behind each of them.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	logger     *zap.Logger
	identities *lru.Cache[string, string]
	profiles   *lru.Cache[string, Profile]
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	identities, err := lru.New[string, string](size)
	if err != nil {
		return nil, newServiceError(opServiceNew, "cache_init_failed", err)
	}
	profiles, err := lru.New[string, Profile](size)
	if err != nil {
		return nil, newServiceError(opServiceNew, "cache_init_failed", err)
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		logger:     logger,
		identities: identities,
		profiles:   profiles,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if canonicalIdentifier, ok := s.identities.Get(cacheKey); ok {
		return canonicalIdentifier, nil
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now(),
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error; err != nil {
			s.logError(opResolve, "insert_failed", err, zap.String("subject", subject))
			return "", newServiceError(opResolve, "insert_failed", err)
		}
	} else if err != nil {
		s.logError(opResolve, "query_failed", err, zap.String("subject", subject))
		return "", newServiceError(opResolve, "query_failed", err)
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		_ = db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	s.identities.Add(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// EnsureProfile resolves the canonical user behind the claims and creates its profile on first sight.
// Claims seed language, location and the admin flag only when the profile is created.
func (s *Service) EnsureProfile(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	userID, err := s.ResolveCanonicalUserID(ctx, claims)
	if err != nil {
		return Profile{}, err
	}
	if profile, ok := s.profiles.Get(userID); ok {
		return profile, nil
	}
	seed := Profile{
		UserID:     userID,
		Categories: []string{},
		Language:   claims.UserLanguage,
		Country:    claims.UserCountry,
		Continent:  claims.UserContinent,
		IsAdmin:    claims.IsAdmin(),
	}.normalized()
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error
	if err != nil {
		s.logError(opResolve, "profile_insert_failed", err, zap.String("user_id", userID))
		return Profile{}, newServiceError(opResolve, "profile_insert_failed", err)
	}
	return s.Profile(ctx, userID)
}

// Profile returns the stored preferences of the user.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	userID = normalize(userID)
	if cached, ok := s.profiles.Get(userID); ok {
		return cached, nil
	}
	profile, err := s.load(s.db.WithContext(ctx), userID)
	if err != nil {
		if !errors.Is(err, ErrUnknownUser) {
			s.logError(opProfile, "query_failed", err, zap.String("user_id", userID))
			return Profile{}, newServiceError(opProfile, "query_failed", err)
		}
		return Profile{}, newServiceError(opProfile, "unknown_user", err)
	}
	s.profiles.Add(userID, profile)
	return profile, nil
}

// AppendCategory adds the category to the end of the user's preference list unless already present.
// The boolean reports whether the list changed.
func (s *Service) AppendCategory(ctx context.Context, userID, categoryID string) (Profile, bool, error) {
	userID = normalize(userID)
	categoryID = normalize(categoryID)
	if categoryID == "" {
		profile, err := s.Profile(ctx, userID)
		return profile, false, err
	}

	var (
		updated  Profile
		appended bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(tx.Clauses(clause.Locking{Strength: "UPDATE"}), userID)
		if err != nil {
			return err
		}
		updated = current
		if current.Prefers(categoryID) {
			return nil
		}
		updated.Categories = append(append([]string{}, current.Categories...), categoryID)
		appended = true
		encoded, err := encodeCategories(updated.Categories)
		if err != nil {
			return err
		}
		return tx.Model(&Profile{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{"categories": encoded, "updated_at": s.now()}).
			Error
	})
	s.profiles.Remove(userID)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return Profile{}, false, newServiceError(opAppendCategory, "unknown_user", err)
		}
		s.logError(opAppendCategory, "update_failed", err, zap.String("user_id", userID), zap.String("category_id", categoryID))
		return Profile{}, false, newServiceError(opAppendCategory, "update_failed", err)
	}
	return updated, appended, nil
}

// SaveProfile replaces the preferences of an existing user. The admin flag is never changed here.
// The owner country denormalized onto the user's polls follows the saved country.
func (s *Service) SaveProfile(ctx context.Context, profile Profile) (Profile, error) {
	profile = profile.normalized()
	encoded, err := encodeCategories(profile.Categories)
	if err != nil {
		return Profile{}, newServiceError(opSaveProfile, "encode_failed", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Profile{}).
			Where("user_id = ?", profile.UserID).
			Updates(map[string]interface{}{
				"categories": encoded,
				"language":   profile.Language,
				"country":    profile.Country,
				"continent":  profile.Continent,
				"updated_at": s.now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUnknownUser
		}
		for _, store := range polls.Stores {
			err := tx.Table(store.TableName()).
				Where("owner_id = ? AND owner_country <> ?", profile.UserID, profile.Country).
				Update("owner_country", profile.Country).
				Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	s.profiles.Remove(profile.UserID)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return Profile{}, newServiceError(opSaveProfile, "unknown_user", err)
		}
		s.logError(opSaveProfile, "update_failed", err, zap.String("user_id", profile.UserID))
		return Profile{}, newServiceError(opSaveProfile, "update_failed", err)
	}
	return s.Profile(ctx, profile.UserID)
}

func (s *Service) load(db *gorm.DB, userID string) (Profile, error) {
	var profile Profile
	err := db.Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrUnknownUser
	}
	if err != nil {
		return Profile{}, err
	}
	if profile.Categories == nil {
		profile.Categories = []string{}
	}
	return profile, nil
}

// encodeCategories matches the json serializer of Profile.Categories for map updates.
func encodeCategories(categories []string) (string, error) {
	if categories == nil {
		categories = []string{}
	}
	payload, err := json.Marshal(categories)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("user service error", allFields...)
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
