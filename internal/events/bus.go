/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package events provides the control-plane event bus. Subsystems publish
// events by subject; consumers (dashboards, external bus bridges) subscribe
// in-process. Messages are idempotent on their primary id, so a bridge to an
// external broker may redeliver safely.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Subject names the event streams the control plane emits.
type Subject string

const (
	AgentRegistered      Subject = "agents.registered"
	AgentStatusChanged   Subject = "agents.status_changed"
	AgentFrozen          Subject = "agents.frozen"
	AgentUnfrozen        Subject = "agents.unfrozen"
	NotificationCreated  Subject = "notifications.created"
	ApprovalRequested    Subject = "approvals.requested"
	ApprovalDecided      Subject = "approvals.decided"
	SurveillanceComplete Subject = "surveillance.cycle_completed"
)

// Event is one message on the bus.
type Event struct {
	Subject   Subject   `json:"subject"`
	ID        string    `json:"id"` // primary id of the referenced entity
	AgentID   string    `json:"agent_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscriber — better than blocking
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the same id
// when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
