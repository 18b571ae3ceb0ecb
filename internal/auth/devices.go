// Package auth implements device authentication for the central server:
// device secrets, invite tokens, session tokens, and the browser setup
// cookie.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/observability"
)

// DeviceStatus is the lifecycle state of a registered device.
type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "active"
	DeviceRevoked DeviceStatus = "revoked"
)

// Device is a registered client machine. The secret hash is the true auth
// factor; the hardware fingerprint is monitored, not enforced.
type Device struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	SecretHash    string       `json:"secret_hash"`
	HWFingerprint string       `json:"hw_fingerprint"`
	Status        DeviceStatus `json:"status"`
	IsAdmin       bool         `json:"is_admin"`
	CreatedAt     time.Time    `json:"created_at"`
}

// AuthResult is the outcome of a device authentication attempt.
type AuthResult string

const (
	AuthOK            AuthResult = "ok"
	AuthUnknownDevice AuthResult = "unknown_device"
	AuthBadSecret     AuthResult = "bad_secret"
	AuthDeviceRevoked AuthResult = "device_revoked"
)

// DeviceStore keeps registered devices. In-memory with an optional
// persistence hook called after every change; with a nil hook nothing is
// persisted.
type DeviceStore struct {
	mu      sync.Mutex
	devices map[string]*Device
	logger  *observability.Logger
	persist func(d *Device)
}

// NewDeviceStore builds a device store. persist may be nil.
func NewDeviceStore(logger *observability.Logger, persist func(d *Device)) *DeviceStore {
	return &DeviceStore{
		devices: map[string]*Device{},
		logger:  logger,
		persist: persist,
	}
}

// HashSecret is the canonical secret hash.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Register creates a device and returns it with its plaintext secret. The
// plaintext is never stored and never returned again.
func (s *DeviceStore) Register(userID, fingerprint string, isAdmin bool) (*Device, string) {
	secret := uuid.NewString() + uuid.NewString()
	d := &Device{
		ID:            uuid.NewString(),
		UserID:        userID,
		SecretHash:    HashSecret(secret),
		HWFingerprint: fingerprint,
		Status:        DeviceActive,
		IsAdmin:       isAdmin,
		CreatedAt:     time.Now().UTC(),
	}
	s.mu.Lock()
	s.devices[d.ID] = d
	s.mu.Unlock()
	if s.persist != nil {
		s.persist(d)
	}
	return d, secret
}

// Add inserts a device loaded from persistence.
func (s *DeviceStore) Add(d *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}

// Get returns a device by id.
func (s *DeviceStore) Get(id string) (*Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	return d, ok
}

// Revoke marks a device revoked.
func (s *DeviceStore) Revoke(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return false
	}
	d.Status = DeviceRevoked
	if s.persist != nil {
		s.persist(d)
	}
	return true
}

// Authenticate checks a device secret. A revoked device fails even with a
// matching secret. A fingerprint mismatch rotates the stored fingerprint
// and logs a security event, but the attempt still succeeds.
func (s *DeviceStore) Authenticate(ctx context.Context, deviceID, secret, fingerprint string) (AuthResult, *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return AuthUnknownDevice, nil
	}
	if d.Status == DeviceRevoked {
		return AuthDeviceRevoked, nil
	}
	if subtle.ConstantTimeCompare([]byte(d.SecretHash), []byte(HashSecret(secret))) != 1 {
		return AuthBadSecret, nil
	}
	if fingerprint != "" && fingerprint != d.HWFingerprint {
		s.logger.Warn(ctx, "device fingerprint mismatch, rotating",
			"device_id", d.ID, "event", "fingerprint_rotated")
		d.HWFingerprint = fingerprint
		if s.persist != nil {
			s.persist(d)
		}
	}
	return AuthOK, d
}

// deviceFile is the on-disk shape of ~/.bot/device.json.
type deviceFile struct {
	DeviceID     string `json:"deviceId"`
	DeviceSecret string `json:"deviceSecret"`
}

// DeviceCredentials is the local agent's identity, with an at-most-once
// readable secret.
type DeviceCredentials struct {
	mu       sync.Mutex
	path     string
	consumed bool
}

// NewDeviceCredentials points at a device.json file.
func NewDeviceCredentials(path string) *DeviceCredentials {
	return &DeviceCredentials{path: path}
}

// Read returns the device id and secret. The secret is handed out exactly
// once per process; later calls return the id with an error.
func (c *DeviceCredentials) Read() (deviceID, secret string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		return "", "", err
	}
	var file deviceFile
	if err := json.Unmarshal(data, &file); err != nil {
		return "", "", fmt.Errorf("parse %s: %w", c.path, err)
	}
	if c.consumed {
		return file.DeviceID, "", fmt.Errorf("device secret already retrieved")
	}
	c.consumed = true
	return file.DeviceID, file.DeviceSecret, nil
}

// Write persists the credentials with owner-only permissions.
func (c *DeviceCredentials) Write(deviceID, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.MarshalIndent(deviceFile{DeviceID: deviceID, DeviceSecret: secret}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o600)
}
