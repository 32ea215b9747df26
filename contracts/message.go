package contracts

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is a mutable property store plus an opaque body.
//
// Interceptors running on a packet-processing goroutine write properties while callers on
// other goroutines may read them, so every accessor is guarded.
type Message struct {
	id        string
	timestamp time.Time
	durable   bool

	mu         sync.RWMutex
	properties map[string]interface{}
	body       []byte
}

// NewMessage creates a new message with a generated ID and current timestamp
func NewMessage(durable bool) *Message {
	return &Message{
		id:         uuid.New().String(),
		timestamp:  time.Now().UTC(),
		durable:    durable,
		properties: make(map[string]interface{}),
	}
}

// ID returns the message ID
func (m *Message) ID() string {
	return m.id
}

// Timestamp returns the creation time of the message
func (m *Message) Timestamp() time.Time {
	return m.timestamp
}

// IsDurable reports whether the message was created as durable
func (m *Message) IsDurable() bool {
	return m.durable
}

// Body returns the message body
func (m *Message) Body() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.body
}

// SetBody replaces the message body
func (m *Message) SetBody(body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = body
}

// PutStringProperty sets a string property
func (m *Message) PutStringProperty(key, value string) {
	m.put(key, value)
}

// PutIntProperty sets an integer property
func (m *Message) PutIntProperty(key string, value int64) {
	m.put(key, value)
}

// PutBoolProperty sets a boolean property
func (m *Message) PutBoolProperty(key string, value bool) {
	m.put(key, value)
}

// PutFloatProperty sets a floating point property
func (m *Message) PutFloatProperty(key string, value float64) {
	m.put(key, value)
}

// PutBytesProperty sets a byte slice property. The slice is copied.
func (m *Message) PutBytesProperty(key string, value []byte) {
	m.put(key, append([]byte(nil), value...))
}

func (m *Message) put(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.properties[key] = value
}

// Property returns the raw value stored under key
func (m *Message) Property(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.properties[key]
	return v, ok
}

// GetStringProperty returns the string property stored under key.
// The boolean is false when the key is missing or holds another type.
func (m *Message) GetStringProperty(key string) (string, bool) {
	v, ok := m.Property(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntProperty returns the integer property stored under key
func (m *Message) GetIntProperty(key string) (int64, bool) {
	v, ok := m.Property(key)
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

// GetBoolProperty returns the boolean property stored under key
func (m *Message) GetBoolProperty(key string) (bool, bool) {
	v, ok := m.Property(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetFloatProperty returns the floating point property stored under key
func (m *Message) GetFloatProperty(key string) (float64, bool) {
	v, ok := m.Property(key)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// GetBytesProperty returns the byte slice property stored under key
func (m *Message) GetBytesProperty(key string) ([]byte, bool) {
	v, ok := m.Property(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// ContainsProperty reports whether a property is set under key
func (m *Message) ContainsProperty(key string) bool {
	_, ok := m.Property(key)
	return ok
}

// RemoveProperty deletes the property stored under key and returns its previous value
func (m *Message) RemoveProperty(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.properties[key]
	delete(m.properties, key)
	return v, ok
}

// PropertyNames returns the property keys in sorted order
func (m *Message) PropertyNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.properties))
	for k := range m.properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Copy returns a deep copy of the message. The copy keeps the ID and timestamp.
func (m *Message) Copy() *Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	props := make(map[string]interface{}, len(m.properties))
	for k, v := range m.properties {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		props[k] = v
	}

	var body []byte
	if m.body != nil {
		body = append([]byte(nil), m.body...)
	}

	return &Message{
		id:         m.id,
		timestamp:  m.timestamp,
		durable:    m.durable,
		properties: props,
		body:       body,
	}
}
