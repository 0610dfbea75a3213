// Package credential persists the session's bearer credentials.
//
// The store is the only place that decides how long a credential lives and
// where it is kept. Every implementation applies a batch of records as a unit:
// readers observe either all of the records written by one Set call or none
// of them.
package credential

import (
	"context"
	"time"
)

// Names and lifetimes of the credentials held for a session.
const (
	AccessTokenName  = "access_token"
	RefreshTokenName = "refresh_token"

	AccessTokenTTL  = 24 * time.Hour
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// Record is a named credential with an expiry.
type Record struct {
	Name  string
	Value string

	// TTL is measured from the time the record is written.
	TTL time.Duration

	// Secure credentials must only be transmitted over a secure transport.
	Secure bool
}

// AccessToken builds the record for a freshly issued access token.
func AccessToken(value string) Record {
	return Record{Name: AccessTokenName, Value: value, TTL: AccessTokenTTL, Secure: true}
}

// RefreshToken builds the record for a freshly issued refresh token.
func RefreshToken(value string) Record {
	return Record{Name: RefreshTokenName, Value: value, TTL: RefreshTokenTTL, Secure: true}
}

// Store defines the interface for credential persistence.
type Store interface {
	// Set writes all the given records, replacing existing records of the
	// same name. Either every record is written or none is.
	Set(ctx context.Context, records ...Record) error

	// Get retrieves a record. Missing and expired records are reported as not
	// found rather than as an error.
	Get(ctx context.Context, name string) (Record, bool, error)

	// Delete removes the named records immediately. Missing records are not an
	// error.
	Delete(ctx context.Context, names ...string) error

	// Close releases any resources held by the store.
	Close() error
}

// StoreError indicates a failure of the underlying storage.
type StoreError struct {
	Operation string // "set", "get", "delete"
	Store     string
	Cause     error
}

func (e *StoreError) Error() string {
	return e.Operation + " credentials (" + e.Store + "): " + e.Cause.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// entry is the persisted form of a record shared by the serializing stores.
type entry struct {
	Value     string    `json:"value"`
	Secure    bool      `json:"secure"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newEntry(r Record, now time.Time) entry {
	return entry{
		Value:     r.Value,
		Secure:    r.Secure,
		ExpiresAt: now.Add(r.TTL),
	}
}

func (e entry) record(name string, now time.Time) Record {
	return Record{
		Name:   name,
		Value:  e.Value,
		TTL:    e.ExpiresAt.Sub(now),
		Secure: e.Secure,
	}
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
