package users

import (
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
)

// Identity captures the mapping between a canonical user id and a provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile holds the selection preferences of a user. Categories are ordered by preference.
type Profile struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"userId"`
	Categories []string  `gorm:"column:categories;serializer:json;type:text;not null" json:"categories"`
	Language   string    `gorm:"column:language;size:64;not null;default:''" json:"language"`
	Country    string    `gorm:"column:country;size:120;not null;default:''" json:"country"`
	Continent  string    `gorm:"column:continent;size:120;not null;default:''" json:"continent"`
	IsAdmin    bool      `gorm:"column:is_admin;not null;default:false" json:"isAdmin"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// Prefers reports whether the category is already in the preference list.
func (p Profile) Prefers(categoryID string) bool {
	return slices.Contains(p.Categories, categoryID)
}

func (p Profile) normalized() Profile {
	p.UserID = normalize(p.UserID)
	p.Language = polls.NormalizeLanguage(p.Language)
	p.Country = normalize(p.Country)
	p.Continent = normalize(p.Continent)
	categories := make([]string, 0, len(p.Categories))
	for _, category := range p.Categories {
		category = normalize(category)
		if category == "" || slices.Contains(categories, category) {
			continue
		}
		categories = append(categories, category)
	}
	p.Categories = categories
	return p
}

// Models returns every model the user service persists.
func Models() []any {
	return []any{&Identity{}, &Profile{}}
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
