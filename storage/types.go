package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	statusDiscovered = "discovered"
	statusConnected  = "connected"
	statusError      = "error"
	statusOffline    = "offline"
	statusStale      = "stale"
)

// StatusEvent is one recorded status transition of a peer.
type StatusEvent struct {
	ID         int64   `json:"id"`
	PeerID     string  `json:"peerId"`
	FromStatus *string `json:"from,omitempty"`
	ToStatus   string  `json:"to"`
	Detail     string  `json:"detail,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// StatusEventFilter narrows GetStatusEvents.
type StatusEventFilter struct {
	PeerID        string
	ToStatus      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// ProbeAttempt is one recorded probe of a peer.
type ProbeAttempt struct {
	ID             int64    `json:"id"`
	PeerID         string   `json:"peerId"`
	Success        bool     `json:"success"`
	WorkingURL     *string  `json:"workingUrl,omitempty"`
	AddressesTried []string `json:"addressesTried"`
	PortsTried     []int    `json:"portsTried"`
	Errors         []string `json:"errors"`
	Timestamp      int64    `json:"timestamp"`
}

// ProbeAttemptFilter narrows GetProbeAttempts.
type ProbeAttemptFilter struct {
	PeerID  string
	Success *bool
	Limit   int
	Offset  int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateStatus(status string) error {
	switch status {
	case statusDiscovered, statusConnected, statusError, statusOffline, statusStale:
		return nil
	default:
		return fmt.Errorf("invalid peer status %q", status)
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
