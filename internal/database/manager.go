// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gorm.io/gorm"
)

// Manager handles database connections for per-tenant stores.
// With the sqlite backend each tenant gets its own database file under
// {DataRoot}/tenants/{tenant}/engram.db; with postgres all tenants share
// one connection and isolation is enforced by tenant_id scoping.
type Manager struct {
	config       *Config
	tenantDBs    map[string]*gorm.DB
	tenantDBsMux sync.RWMutex
	sharedDB     *gorm.DB // postgres mode only
}

// NewManager creates a new database manager
func NewManager(cfg *Config) (*Manager, error) {
	m := &Manager{
		config:    cfg,
		tenantDBs: make(map[string]*gorm.DB),
	}

	if cfg.Type == "postgres" {
		db, err := Connect(cfg, "")
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := MigrateTenantDB(db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		if err := CreateTenantIndexes(db); err != nil {
			return nil, fmt.Errorf("failed to create indexes: %w", err)
		}
		m.sharedDB = db
	}

	return m, nil
}

// Tenant opens or returns an existing database connection for a tenant
func (m *Manager) Tenant(tenantID string) (*gorm.DB, error) {
	if !IsValidTenantID(tenantID) {
		return nil, fmt.Errorf("invalid tenant id: %q", tenantID)
	}

	if m.sharedDB != nil {
		return m.sharedDB, nil
	}

	// Check cache first
	m.tenantDBsMux.RLock()
	if db, ok := m.tenantDBs[tenantID]; ok {
		m.tenantDBsMux.RUnlock()
		return db, nil
	}
	m.tenantDBsMux.RUnlock()

	m.tenantDBsMux.Lock()
	defer m.tenantDBsMux.Unlock()

	// Double-check after acquiring write lock
	if db, ok := m.tenantDBs[tenantID]; ok {
		return db, nil
	}

	db, err := m.openTenantDB(tenantID)
	if err != nil {
		return nil, err
	}

	m.tenantDBs[tenantID] = db
	return db, nil
}

// openTenantDB opens and migrates a tenant's sqlite database
func (m *Manager) openTenantDB(tenantID string) (*gorm.DB, error) {
	dbPath := m.TenantDBPath(tenantID)

	db, err := Connect(m.config, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant database: %w", err)
	}

	if err := MigrateTenantDB(db); err != nil {
		return nil, fmt.Errorf("failed to migrate tenant database: %w", err)
	}

	if err := CreateTenantIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to create tenant indexes: %w", err)
	}

	return db, nil
}

// TenantDBPath returns the path to a tenant's database file
func (m *Manager) TenantDBPath(tenantID string) string {
	return filepath.Join(m.config.DataRoot, "tenants", tenantID, "engram.db")
}

// TenantExists checks whether a tenant store exists on disk.
// With the postgres backend it checks for any rows scoped to the tenant.
func (m *Manager) TenantExists(tenantID string) bool {
	if m.sharedDB != nil {
		var count int64
		m.sharedDB.Model(&Entity{}).Where("tenant_id = ?", tenantID).Count(&count)
		return count > 0
	}
	_, err := os.Stat(m.TenantDBPath(tenantID))
	return err == nil
}

// OpenTenants returns the ids of all tenants with an open connection,
// in sorted order
func (m *Manager) OpenTenants() []string {
	m.tenantDBsMux.RLock()
	defer m.tenantDBsMux.RUnlock()

	tenants := make([]string, 0, len(m.tenantDBs))
	for id := range m.tenantDBs {
		tenants = append(tenants, id)
	}
	sort.Strings(tenants)
	return tenants
}

// CloseTenant closes a specific tenant database connection
func (m *Manager) CloseTenant(tenantID string) error {
	if m.sharedDB != nil {
		return nil
	}

	m.tenantDBsMux.Lock()
	defer m.tenantDBsMux.Unlock()

	if db, ok := m.tenantDBs[tenantID]; ok {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.Close(); err != nil {
			return err
		}
		delete(m.tenantDBs, tenantID)
	}
	return nil
}

// Close closes all tenant database connections
func (m *Manager) Close() error {
	m.tenantDBsMux.Lock()
	for id, db := range m.tenantDBs {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
		delete(m.tenantDBs, id)
	}
	m.tenantDBsMux.Unlock()

	if m.sharedDB != nil {
		return Close(m.sharedDB)
	}
	return nil
}
