/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/overseer/internal/risk"
)

// Route binds a channel to the minimum risk level it should receive.
type Route struct {
	Channel     Channel
	MinSeverity risk.Level
}

// Router dispatches notifications to channels whose minimum severity the
// message meets.
type Router struct {
	routes  []Route
	limiter *RateLimiter
	log     logr.Logger
}

// NewRouter creates a notification router.
func NewRouter(routes []Route, limiter *RateLimiter, log logr.Logger) *Router {
	return &Router{routes: routes, limiter: limiter, log: log}
}

// Notify sends a message to all channels matching its level. Returns the
// delivery errors, one per failed channel.
func (r *Router) Notify(ctx context.Context, msg Message) []error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if r.limiter != nil && !r.limiter.Allow(msg.AgentID) {
		r.log.Info("notification rate-limited", "agent", msg.AgentID)
		return nil
	}

	var errs []error
	for _, route := range r.routes {
		if !msg.Level.AtLeast(route.MinSeverity) {
			continue
		}
		if err := route.Channel.Send(ctx, msg); err != nil {
			r.log.Error(err, "notification failed", "type", route.Channel.Type(), "agent", msg.AgentID)
			errs = append(errs, err)
		} else {
			r.log.Info("notification sent", "type", route.Channel.Type(), "agent", msg.AgentID, "level", msg.Level)
		}
	}
	return errs
}

// RateLimiter limits notifications per agent per hour.
type RateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	counts     map[string][]time.Time
}

// NewRateLimiter creates a rate limiter with the given max per hour per agent.
func NewRateLimiter(maxPerHour int) *RateLimiter {
	return &RateLimiter{
		maxPerHour: maxPerHour,
		counts:     make(map[string][]time.Time),
	}
}

// Allow checks if the agent is within rate limits.
func (rl *RateLimiter) Allow(agentID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-1 * time.Hour)

	// Prune old entries
	recent := make([]time.Time, 0)
	for _, t := range rl.counts[agentID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxPerHour {
		return false
	}

	rl.counts[agentID] = append(recent, now)
	return true
}
