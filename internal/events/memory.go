/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"context"
	"errors"
	"sync"
)

// memoryCap bounds the retained backlog so a long-lived development process
// does not grow without limit. Oldest events are dropped first.
const memoryCap = 10000

var (
	errNilEvent        = errors.New("event must not be nil")
	errPublisherClosed = errors.New("publisher is closed")
)

// MemoryPublisher is an in-memory Publisher for tests and single-instance
// development runs without a broker.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*Event
	closed bool
}

// NewMemoryPublisher creates an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish stores the event in memory.
func (m *MemoryPublisher) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return errNilEvent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errPublisherClosed
	}
	m.events = append(m.events, event)
	if len(m.events) > memoryCap {
		m.events = m.events[len(m.events)-memoryCap:]
	}
	return nil
}

// Close marks the publisher as closed. Further publishes fail.
func (m *MemoryPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Events returns a copy of all retained events.
func (m *MemoryPublisher) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Event, len(m.events))
	copy(result, m.events)
	return result
}

// Reset clears the retained events.
func (m *MemoryPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = nil
}
