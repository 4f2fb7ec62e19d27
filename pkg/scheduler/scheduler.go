// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package scheduler

import (
	"context"
	"time"

	"github.com/engramd/engram/internal/graph"
	"github.com/engramd/engram/internal/logger"
)

// Scheduler handles periodic link maintenance across tenants
type Scheduler struct {
	store    *graph.Store
	interval time.Duration
	log      *logger.Logger
	stopChan chan bool
}

// NewScheduler creates a new scheduler
func NewScheduler(store *graph.Store, interval time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		interval: interval,
		log:      log,
		stopChan: make(chan bool),
	}
}

// Start begins the scheduler
func (s *Scheduler) Start() {
	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.reapAllTenants()
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.stopChan <- true
}

// reapAllTenants prunes decayed links for every open tenant. Tenants
// never touched since startup have nothing worth reaping, so only open
// connections are visited.
func (s *Scheduler) reapAllTenants() {
	ctx := context.Background()
	for _, tenantID := range s.store.Manager().OpenTenants() {
		pruned, err := s.store.Prune(ctx, tenantID)
		if err != nil {
			s.log.Warn("Reaper pass failed", "tenant", tenantID, "error", err)
			continue
		}
		if pruned > 0 {
			s.log.Info("Pruned decayed links", "tenant", tenantID, "count", pruned)
		}
	}
}
