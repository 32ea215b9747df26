// Package journal records snapshots of intercepted packets so the mutations that
// interceptors apply to a message can be traced afterwards.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-remoting/remoting"
)

// Entry is the state of one packet as seen at one point of an interceptor chain
type Entry struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Component     string          `json:"component"`
	ConnectionID  string          `json:"connectionId,omitempty"`
	Role          string          `json:"role,omitempty"`
	PacketType    string          `json:"packetType"`
	CorrelationID int64           `json:"correlationId,omitempty"`
	MessageID     string          `json:"messageId,omitempty"`
	Address       string          `json:"address,omitempty"`
	Properties    json.RawMessage `json:"properties,omitempty"`
}

// Mutation is a property that differs between two consecutive entries of a message
type Mutation struct {
	Key       string          `json:"key"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Component string          `json:"component"`
}

// Stats summarizes a journal
type Stats struct {
	TotalEntries       int64            `json:"totalEntries"`
	EntriesByType      map[string]int64 `json:"entriesByType"`
	EntriesByComponent map[string]int64 `json:"entriesByComponent"`
	LastEntry          time.Time        `json:"lastEntry"`
}

// Journal stores packet snapshots
type Journal interface {
	// Record stores an entry, filling in its ID and timestamp when missing
	Record(ctx context.Context, entry *Entry) error

	// RecordPacket stores a snapshot of pkt taken by component
	RecordPacket(ctx context.Context, component string, pkt *remoting.Packet, conn remoting.RemotingConnection) error

	// ByMessageID returns the entries of a message in recording order
	ByMessageID(ctx context.Context, messageID string) ([]*Entry, error)

	// ByComponent returns the most recent entries of a component, all of them when
	// limit is not positive
	ByComponent(ctx context.Context, component string, limit int) ([]*Entry, error)

	// Mutations returns the property changes of a message between consecutive entries
	Mutations(ctx context.Context, messageID string) ([]Mutation, error)

	// Stats returns journal statistics
	Stats(ctx context.Context) (*Stats, error)

	// Clear removes entries older than the given duration
	Clear(ctx context.Context, olderThan time.Duration) (int, error)
}

// InMemoryJournal keeps entries in memory, dropping the oldest ones when full
type InMemoryJournal struct {
	entries       []*Entry
	byMessageID   map[string][]*Entry
	byComponent   map[string][]*Entry
	mu            sync.RWMutex
	maxEntries    int
	rotatePercent float64
}

// InMemoryJournalOption configures the in-memory journal
type InMemoryJournalOption func(*InMemoryJournal)

// WithMaxEntries sets the maximum number of entries
func WithMaxEntries(max int) InMemoryJournalOption {
	return func(j *InMemoryJournal) {
		if max > 0 {
			j.maxEntries = max
		}
	}
}

// WithRotatePercent sets the share of entries removed when the journal is full
func WithRotatePercent(percent float64) InMemoryJournalOption {
	return func(j *InMemoryJournal) {
		if percent > 0 && percent <= 1 {
			j.rotatePercent = percent
		}
	}
}

// NewInMemoryJournal creates a new in-memory journal
func NewInMemoryJournal(opts ...InMemoryJournalOption) *InMemoryJournal {
	j := &InMemoryJournal{
		byMessageID:   make(map[string][]*Entry),
		byComponent:   make(map[string][]*Entry),
		maxEntries:    10000,
		rotatePercent: 0.2,
	}

	for _, opt := range opts {
		opt(j)
	}

	return j
}

// Record implements Journal
func (j *InMemoryJournal) Record(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		j.rotate()
	}

	j.entries = append(j.entries, entry)
	j.index(entry)
	return nil
}

// RecordPacket implements Journal
func (j *InMemoryJournal) RecordPacket(ctx context.Context, component string, pkt *remoting.Packet, conn remoting.RemotingConnection) error {
	if pkt == nil {
		return fmt.Errorf("packet cannot be nil")
	}

	entry := &Entry{
		Component:     component,
		PacketType:    pkt.Type().String(),
		CorrelationID: pkt.CorrelationID(),
	}
	if conn != nil {
		entry.ConnectionID = conn.ID()
		entry.Role = conn.Role().String()
	}
	if send, ok := pkt.SendMessage(); ok {
		entry.Address = send.Address
	}

	if msg := pkt.Message(); msg != nil {
		entry.MessageID = msg.ID()

		props := make(map[string]interface{})
		for _, key := range msg.PropertyNames() {
			props[key], _ = msg.Property(key)
		}
		data, err := json.Marshal(props)
		if err != nil {
			return fmt.Errorf("failed to marshal properties: %w", err)
		}
		entry.Properties = data
	}

	return j.Record(ctx, entry)
}

// ByMessageID implements Journal
func (j *InMemoryJournal) ByMessageID(ctx context.Context, messageID string) ([]*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return copyEntries(j.byMessageID[messageID]), nil
}

// ByComponent implements Journal
func (j *InMemoryJournal) ByComponent(ctx context.Context, component string, limit int) ([]*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entries := j.byComponent[component]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return copyEntries(entries), nil
}

// Mutations implements Journal
func (j *InMemoryJournal) Mutations(ctx context.Context, messageID string) ([]Mutation, error) {
	entries, err := j.ByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	var mutations []Mutation
	var previous map[string]json.RawMessage
	for i, entry := range entries {
		current := make(map[string]json.RawMessage)
		if len(entry.Properties) > 0 {
			if err := json.Unmarshal(entry.Properties, &current); err != nil {
				return nil, fmt.Errorf("failed to decode entry %s: %w", entry.ID, err)
			}
		}
		if i > 0 {
			mutations = append(mutations, diff(previous, current, entry.Component)...)
		}
		previous = current
	}
	return mutations, nil
}

// Stats implements Journal
func (j *InMemoryJournal) Stats(ctx context.Context) (*Stats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := &Stats{
		TotalEntries:       int64(len(j.entries)),
		EntriesByType:      make(map[string]int64),
		EntriesByComponent: make(map[string]int64),
	}

	for _, entry := range j.entries {
		stats.EntriesByType[entry.PacketType]++
		stats.EntriesByComponent[entry.Component]++
		if entry.Timestamp.After(stats.LastEntry) {
			stats.LastEntry = entry.Timestamp
		}
	}

	return stats, nil
}

// Clear implements Journal
func (j *InMemoryJournal) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := make([]*Entry, 0, len(j.entries))
	for _, entry := range j.entries {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}

	removed := len(j.entries) - len(kept)
	j.entries = kept
	j.rebuildIndexes()
	return removed, nil
}

// Len returns the number of stored entries
func (j *InMemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// rotate removes oldest entries when max is reached
func (j *InMemoryJournal) rotate() {
	removeCount := int(float64(j.maxEntries) * j.rotatePercent)
	if removeCount < 1 {
		removeCount = 1
	}

	j.entries = j.entries[removeCount:]
	j.rebuildIndexes()
}

func (j *InMemoryJournal) rebuildIndexes() {
	j.byMessageID = make(map[string][]*Entry)
	j.byComponent = make(map[string][]*Entry)
	for _, entry := range j.entries {
		j.index(entry)
	}
}

func (j *InMemoryJournal) index(entry *Entry) {
	if entry.MessageID != "" {
		j.byMessageID[entry.MessageID] = append(j.byMessageID[entry.MessageID], entry)
	}
	if entry.Component != "" {
		j.byComponent[entry.Component] = append(j.byComponent[entry.Component], entry)
	}
}

func copyEntries(entries []*Entry) []*Entry {
	result := make([]*Entry, len(entries))
	for i, entry := range entries {
		entryCopy := *entry
		result[i] = &entryCopy
	}
	return result
}

func diff(before, after map[string]json.RawMessage, component string) []Mutation {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var mutations []Mutation
	for _, k := range sorted {
		b, a := before[k], after[k]
		if bytes.Equal(b, a) {
			continue
		}
		mutations = append(mutations, Mutation{Key: k, Before: b, After: a, Component: component})
	}
	return mutations
}
