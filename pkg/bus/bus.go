// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus is the in-memory namespace index used for multi-agent
// coordination. It is not a message queue: it composes pipeline inputs for a
// chosen agent from segments published into namespaces.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/weft/pkg/segment"
)

// Agent identifies one publishing party and its namespace.
type Agent struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// EventKind discriminates the bus history records.
type EventKind string

const (
	EventPublish EventKind = "publish"
	EventHandoff EventKind = "handoff"
)

// Event is one bus history record.
type Event struct {
	Kind       EventKind `json:"kind"`
	Agent      string    `json:"agent"`
	ToAgent    string    `json:"to_agent,omitempty"`
	SegmentIDs []string  `json:"segment_ids"`
	At         time.Time `json:"at"`
}

// Selector filters segments during a handoff; nil selects everything.
type Selector func(segment.Segment) bool

// Bus maintains the namespace-to-segment index and the agent registry.
// All operations are safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	segments map[string][]segment.Segment // namespace, insertion order
	events   []Event
	maxEvent int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		agents:   make(map[string]Agent),
		segments: make(map[string][]segment.Segment),
		maxEvent: 1024,
	}
}

// Register adds an agent to the registry. Re-registering replaces the entry.
func (b *Bus) Register(agent Agent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[agent.Name] = agent
}

// Agents returns the registered agents.
func (b *Bus) Agents() []Agent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Agent, 0, len(b.agents))
	for _, a := range b.agents {
		out = append(out, a)
	}
	return out
}

// Publish stamps the segment with the agent's namespace and appends it.
func (b *Bus) Publish(agent Agent, seg segment.Segment) segment.Segment {
	stamped := seg.WithNamespace(agent.Namespace)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[agent.Name] = agent
	b.segments[agent.Namespace] = append(b.segments[agent.Namespace], stamped)
	b.record(Event{
		Kind:       EventPublish,
		Agent:      agent.Name,
		SegmentIDs: []string{stamped.ID},
		At:         time.Now().UTC(),
	})
	return stamped
}

// Handoff copies the segments visible to from into to's namespace, attaching
// a provenance link to each copy. A nil selector copies everything visible.
func (b *Bus) Handoff(from, to Agent, sel Selector) []segment.Segment {
	visible := b.VisibleSegments(from)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[from.Name] = from
	b.agents[to.Name] = to

	var copied []segment.Segment
	var ids []string
	for _, s := range visible {
		if sel != nil && !sel(s) {
			continue
		}
		clone := s.WithNamespace(to.Namespace)
		clone.Provenance.ParentSegmentIDs = append(append([]string(nil), s.Provenance.ParentSegmentIDs...), s.ID)
		clone.Provenance.SourceID = fmt.Sprintf("handoff:%s->%s", from.Name, to.Name)
		b.segments[to.Namespace] = append(b.segments[to.Namespace], clone)
		copied = append(copied, clone)
		ids = append(ids, clone.ID)
	}
	b.record(Event{
		Kind:       EventHandoff,
		Agent:      from.Name,
		ToAgent:    to.Name,
		SegmentIDs: ids,
		At:         time.Now().UTC(),
	})
	return copied
}

// VisibleSegments returns every segment the agent can see: its own namespace,
// the default namespace, and any segment whose visibility set names the
// agent's namespace. Order is insertion order within each group.
func (b *Bus) VisibleSegments(agent Agent) []segment.Segment {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []segment.Segment
	out = append(out, b.segments[agent.Namespace]...)
	if agent.Namespace != segment.DefaultNamespace {
		out = append(out, b.segments[segment.DefaultNamespace]...)
	}
	for ns, segs := range b.segments {
		if ns == agent.Namespace || ns == segment.DefaultNamespace {
			continue
		}
		for _, s := range segs {
			if s.VisibleTo(agent.Namespace) {
				out = append(out, s)
			}
		}
	}
	return out
}

// RecentEvents returns the last limit publish/handoff records, oldest first.
func (b *Bus) RecentEvents(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.events) {
		limit = len(b.events)
	}
	out := make([]Event, limit)
	copy(out, b.events[len(b.events)-limit:])
	return out
}

// record appends an event, trimming the history at the ceiling.
func (b *Bus) record(e Event) {
	b.events = append(b.events, e)
	if len(b.events) > b.maxEvent {
		b.events = b.events[len(b.events)-b.maxEvent:]
	}
}
