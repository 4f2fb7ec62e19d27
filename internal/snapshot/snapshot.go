// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package snapshot serializes a tenant's full graph state for export,
// backup and federation import. Import supports replace (drop and
// reload) and merge (deterministic union) modes.
package snapshot

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/engramd/engram/internal/database"
)

// ImportMode selects how an imported snapshot combines with existing state
type ImportMode string

const (
	// ModeReplace drops the tenant's current state before loading
	ModeReplace ImportMode = "replace"
	// ModeMerge unions the snapshot with current state
	ModeMerge ImportMode = "merge"
)

// IsValidImportMode checks if an import mode is valid
func IsValidImportMode(mode ImportMode) bool {
	return mode == ModeReplace || mode == ModeMerge
}

// Snapshot is a tenant's complete exported graph state
type Snapshot struct {
	TenantID   string                   `yaml:"tenant_id" json:"tenant_id"`
	ExportedAt time.Time                `yaml:"exported_at" json:"exported_at"`
	Entities   []database.Entity        `yaml:"entities" json:"entities"`
	Links      []database.AttentionLink `yaml:"links" json:"links"`
	Decisions  []database.Decision      `yaml:"decisions" json:"decisions"`
}

// Counts summarizes a snapshot's record counts
func (s *Snapshot) Counts() (entities, links, decisions int) {
	return len(s.Entities), len(s.Links), len(s.Decisions)
}

// Marshal renders the snapshot as a YAML document
func (s *Snapshot) Marshal() ([]byte, error) {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return raw, nil
}

// Unmarshal parses a YAML snapshot document
func Unmarshal(raw []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// WriteFile writes the snapshot to a YAML file
func (s *Snapshot) WriteFile(path string) error {
	raw, err := s.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	return nil
}

// ReadFile loads a snapshot from a YAML file
func ReadFile(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	return Unmarshal(raw)
}
