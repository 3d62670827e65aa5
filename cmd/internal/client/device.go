package client

import (
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// NewDeviceID returns a random device identifier.
func NewDeviceID() string {
	return uuid.NewString()
}

// IDStore persists the device id and the current session id across restarts.
type IDStore interface {
	DeviceID() string
	SessionID() (string, bool)
	SetSessionID(id string)
	ClearSessionID()
}

// MemoryIDStore is an in-process IDStore.
type MemoryIDStore struct {
	mu        sync.Mutex
	deviceID  string
	sessionID string
}

// NewMemoryIDStore returns a store with a fresh device id, or deviceID when set.
func NewMemoryIDStore(deviceID string) *MemoryIDStore {
	if strings.TrimSpace(deviceID) == "" {
		deviceID = NewDeviceID()
	}
	return &MemoryIDStore{deviceID: deviceID}
}

func (s *MemoryIDStore) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *MemoryIDStore) SessionID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.sessionID != ""
}

func (s *MemoryIDStore) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

func (s *MemoryIDStore) ClearSessionID() {
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
}

var mobileUA = regexp.MustCompile(`Mobile|Android|iPhone|iPad`)

// DeviceLabel derives a human label such as "Mobile Safari Browser" from a User-Agent.
func DeviceLabel(userAgent string) string {
	label := "Unknown Device"
	switch {
	case strings.Contains(userAgent, "Edg"):
		label = "Edge Browser"
	case strings.Contains(userAgent, "Chrome"):
		label = "Chrome Browser"
	case strings.Contains(userAgent, "Firefox"):
		label = "Firefox Browser"
	case strings.Contains(userAgent, "Safari"):
		label = "Safari Browser"
	}
	if mobileUA.MatchString(userAgent) {
		label = "Mobile " + label
	}
	return label
}
