// Package registry is the catalog of registered backends. Connection
// credentials are sealed by the vault before they reach the catalog and the
// catalog never stores or returns plaintext; the listing paths do not read
// the secret column at all.
package registry

import (
	"errors"
	"time"

	"github.com/vyrodovalexey/avdatagw/internal/backend"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when no backend matches the given ID.
	ErrNotFound = errors.New("backend not registered")

	// ErrDuplicateName is returned when a backend name is already taken.
	ErrDuplicateName = errors.New("backend name already registered")

	// ErrRetired is returned when an operation targets a retired backend.
	ErrRetired = errors.New("backend retired")
)

// Status is the lifecycle state of a registration.
type Status string

const (
	// StatusActive means the backend accepts operations.
	StatusActive Status = "active"

	// StatusDraining means no new pools are created but existing
	// connections finish their work.
	StatusDraining Status = "draining"

	// StatusRetired means the backend is removed from service.
	StatusRetired Status = "retired"
)

// Valid reports whether the status is one of the defined values.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDraining, StatusRetired:
		return true
	}
	return false
}

// Registration describes one backend. The sealed secret never appears here;
// it travels through SealedSecret only.
type Registration struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Kind       backend.Kind `json:"kind"`
	Host       string       `json:"host"`
	Port       int          `json:"port"`
	Database   string       `json:"database"`
	Status     Status       `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	RotatedAt  *time.Time   `json:"rotatedAt,omitempty"`
	LastUsedAt *time.Time   `json:"lastUsedAt,omitempty"`
}

// RegisterInput is the payload for registering a backend. Secret is the
// plaintext credential; it is sealed immediately and not retained.
type RegisterInput struct {
	Name     string
	Kind     backend.Kind
	Host     string
	Port     int
	Database string
	Secret   string
}

// Validate checks the input.
func (in *RegisterInput) Validate() error {
	switch {
	case in.Name == "":
		return errors.New("backend name required")
	case in.Host == "":
		return errors.New("backend host required")
	case in.Port < 1 || in.Port > 65535:
		return errors.New("backend port out of range")
	case in.Secret == "":
		return errors.New("backend secret required")
	}
	if _, err := backend.ParseKind(string(in.Kind)); err != nil {
		return err
	}
	return nil
}
