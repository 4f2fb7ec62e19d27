// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"
)

// EntityKind constants for knowledge graph entities
const (
	KindConcept  = "concept"
	KindDecision = "decision"
	KindSession  = "session"
	KindPerson   = "person"
	KindProject  = "project"
	KindTool     = "tool"
	KindTopic    = "topic"
)

// ValidEntityKinds returns all valid entity kinds
func ValidEntityKinds() []string {
	return []string{
		KindConcept,
		KindDecision,
		KindSession,
		KindPerson,
		KindProject,
		KindTool,
		KindTopic,
	}
}

// IsValidEntityKind checks if an entity kind is valid
func IsValidEntityKind(kind string) bool {
	for _, valid := range ValidEntityKinds() {
		if kind == valid {
			return true
		}
	}
	return false
}

// Entity represents a node in a tenant's knowledge graph
type Entity struct {
	ID             string    `gorm:"primaryKey" json:"id" yaml:"id"`
	TenantID       string    `gorm:"not null;uniqueIndex:idx_entities_tenant_name_kind,priority:1" json:"tenant_id" yaml:"tenant_id"`
	Name           string    `gorm:"not null" json:"name" yaml:"name"`
	NormalizedName string    `gorm:"column:normalized_name;not null;uniqueIndex:idx_entities_tenant_name_kind,priority:2" json:"normalized_name" yaml:"normalized_name"`
	Kind           string    `gorm:"not null;uniqueIndex:idx_entities_tenant_name_kind,priority:3" json:"kind" yaml:"kind"`
	Confidence     float64   `gorm:"default:0.5" json:"confidence" yaml:"confidence"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
	LastTouchedAt  time.Time `gorm:"column:last_touched_at" json:"last_touched_at" yaml:"last_touched_at"`
	TouchCount     int64     `gorm:"column:touch_count;default:0" json:"touch_count" yaml:"touch_count"`
}

// TableName specifies the table name for Entity
func (Entity) TableName() string {
	return "entities"
}

// AttentionLink represents a weighted undirected edge between two entities
// EntityA and EntityB are stored in canonical order so each unordered pair
// has at most one record
type AttentionLink struct {
	ID                 uint      `gorm:"primaryKey" json:"id" yaml:"id"`
	TenantID           string    `gorm:"not null;uniqueIndex:idx_links_tenant_pair,priority:1" json:"tenant_id" yaml:"tenant_id"`
	EntityA            string    `gorm:"column:entity_a;not null;uniqueIndex:idx_links_tenant_pair,priority:2" json:"entity_a" yaml:"entity_a"`
	EntityB            string    `gorm:"column:entity_b;not null;uniqueIndex:idx_links_tenant_pair,priority:3" json:"entity_b" yaml:"entity_b"`
	Weight             float64   `gorm:"default:0" json:"weight" yaml:"weight"`
	CoOccurrences      int64     `gorm:"column:co_occurrences;default:0" json:"co_occurrences" yaml:"co_occurrences"`
	CreatedAt          time.Time `json:"created_at" yaml:"created_at"`
	LastStrengthenedAt time.Time `gorm:"column:last_strengthened_at" json:"last_strengthened_at" yaml:"last_strengthened_at"`
}

// TableName specifies the table name for AttentionLink
func (AttentionLink) TableName() string {
	return "attention_links"
}

// Decision represents an immutable recorded decision
type Decision struct {
	ID          string    `gorm:"primaryKey" json:"id" yaml:"id"`
	TenantID    string    `gorm:"index;not null" json:"tenant_id" yaml:"tenant_id"`
	Description string    `gorm:"type:text;not null" json:"description" yaml:"description"`
	Context     string    `gorm:"type:text" json:"context" yaml:"context"`
	Rationale   string    `gorm:"type:text" json:"rationale" yaml:"rationale"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// TableName specifies the table name for Decision
func (Decision) TableName() string {
	return "decisions"
}

// TenantModels returns all models stored in a tenant's database
func TenantModels() []interface{} {
	return []interface{}{
		&Entity{},
		&AttentionLink{},
		&Decision{},
	}
}

// MigrateTenantDB runs migrations for a tenant database
func MigrateTenantDB(db *gorm.DB) error {
	return db.AutoMigrate(TenantModels()...)
}

// CreateTenantIndexes creates secondary indexes for a tenant database
func CreateTenantIndexes(db *gorm.DB) error {
	indexes := []struct {
		table   string
		columns []string
		name    string
	}{
		{
			table:   "entities",
			columns: []string{"last_touched_at"},
			name:    "idx_entities_touched",
		},
		{
			table:   "entities",
			columns: []string{"normalized_name"},
			name:    "idx_entities_normalized",
		},
		{
			table:   "attention_links",
			columns: []string{"entity_a"},
			name:    "idx_links_entity_a",
		},
		{
			table:   "attention_links",
			columns: []string{"entity_b"},
			name:    "idx_links_entity_b",
		},
		{
			table:   "attention_links",
			columns: []string{"last_strengthened_at"},
			name:    "idx_links_strengthened",
		},
		{
			table:   "decisions",
			columns: []string{"created_at"},
			name:    "idx_decisions_created",
		},
	}

	for _, idx := range indexes {
		hasIndex := db.Migrator().HasIndex(idx.table, idx.name)
		if !hasIndex {
			sql := "CREATE INDEX IF NOT EXISTS " + idx.name + " ON " + idx.table + " (" + joinColumns(idx.columns) + ")"
			if err := db.Exec(sql).Error; err != nil {
				return err
			}
		}
	}

	return nil
}

func joinColumns(columns []string) string {
	return strings.Join(columns, ", ")
}

// NormalizeName lowercases a name and collapses internal whitespace,
// producing the form used for the (tenant, name, kind) unique key
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// CanonicalPair orders two entity ids so each unordered pair has a
// single stored representation
func CanonicalPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// IsValidTenantID checks that a tenant identifier is safe to use as a
// storage path component
func IsValidTenantID(tenantID string) bool {
	if tenantID == "" || len(tenantID) > 128 {
		return false
	}
	return tenantIDPattern.MatchString(tenantID)
}
