/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package approval

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
)

// Sweeper periodically expires overdue approval requests so stale ids can
// never satisfy the destructive-action gate.
type Sweeper struct {
	store *Store
	cron  *cron.Cron
	log   logr.Logger
}

// NewSweeper creates a sweeper running on the given cron expression
// (default "@every 1m").
func NewSweeper(store *Store, schedule string, log logr.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = "@every 1m"
	}

	s := &Sweeper{
		store: store,
		cron:  cron.New(),
		log:   log,
	}

	_, err := s.cron.AddFunc(schedule, func() {
		n := store.SweepExpired(context.Background(), time.Now())
		if n > 0 {
			log.Info("expired approval requests swept", "count", n)
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the sweep schedule.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
