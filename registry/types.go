package registry

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the requested peer is not in the registry.
	ErrNotFound = errors.New("registry: peer not found")
)

// PeerID is the registry key for one announcing device.
type PeerID string

// Role is the navigation role a device advertises.
type Role string

const (
	// RoleAnchor marks a fixed reference device.
	RoleAnchor Role = "anchor"
	// RoleNavigator marks a moving device that ranges against anchors.
	RoleNavigator Role = "navigator"
	// RoleUnknown is used when the announcement carries no recognizable role.
	RoleUnknown Role = "unknown"
)

// ParseRole maps free-form metadata onto a known role.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAnchor:
		return RoleAnchor
	case RoleNavigator:
		return RoleNavigator
	default:
		return RoleUnknown
	}
}

// Status is the liveness state of a peer record.
type Status string

const (
	// StatusDiscovered means the peer announced itself but has not been probed successfully yet.
	StatusDiscovered Status = "discovered"
	// StatusConnected means the last probe succeeded.
	StatusConnected Status = "connected"
	// StatusError means every address/port combination failed on the last probe.
	StatusError Status = "error"
	// StatusOffline means the discovery transport reported the service as removed.
	StatusOffline Status = "offline"
	// StatusStale means no successful probe happened within the staleness TTL.
	StatusStale Status = "stale"
)

// Unreachable reports whether the status stands for a peer we cannot currently talk to.
func (s Status) Unreachable() bool {
	return s == StatusError || s == StatusOffline || s == StatusStale
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDiscovered, StatusConnected, StatusError, StatusOffline, StatusStale:
		return true
	default:
		return false
	}
}

// AddressSet holds the addresses advertised or learned for a peer.
type AddressSet struct {
	IPv4 string `json:"ipv4,omitempty"`
	IPv6 string `json:"ipv6,omitempty"`
}

// Empty reports whether no address is known.
func (a AddressSet) Empty() bool {
	return a.IPv4 == "" && a.IPv6 == ""
}

// Ordered returns the known addresses, IPv4 first.
func (a AddressSet) Ordered() []string {
	out := make([]string, 0, 2)
	if a.IPv4 != "" {
		out = append(out, a.IPv4)
	}
	if a.IPv6 != "" {
		out = append(out, a.IPv6)
	}
	return out
}

// Preferred returns the IPv4 address when present, else the IPv6 one.
func (a AddressSet) Preferred() string {
	if a.IPv4 != "" {
		return a.IPv4
	}
	return a.IPv6
}

// Contains reports whether addr is one of the known addresses.
func (a AddressSet) Contains(addr string) bool {
	return addr != "" && (a.IPv4 == addr || a.IPv6 == addr)
}

// Announcement is the registry's view of one discovery or registration event.
type Announcement struct {
	ID          PeerID
	SourceName  string
	DisplayName string
	IdentityTag string
	Role        Role
	Addresses   AddressSet
	Port        int
	Metadata    map[string]string
}

// PeerRecord is the registry's state for one peer. Values handed out by the
// registry are copies.
type PeerRecord struct {
	ID                  PeerID            `json:"id"`
	DisplayName         string            `json:"name"`
	IdentityTag         string            `json:"email"`
	Role                Role              `json:"role"`
	Addresses           AddressSet        `json:"addresses"`
	PrimaryPort         int               `json:"port"`
	SourceName          string            `json:"serviceName"`
	Status              Status            `json:"status"`
	FirstSeen           time.Time         `json:"firstSeen"`
	LastSeen            time.Time         `json:"lastSeen"`
	LastSuccessfulProbe *time.Time        `json:"lastSuccessfulProbe,omitempty"`
	WorkingAddress      string            `json:"workingAddress,omitempty"`
	WorkingPort         int               `json:"workingPort,omitempty"`
	LastErrorDetail     string            `json:"error,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// HasWorking reports whether a previously successful address/port pair is known.
func (r PeerRecord) HasWorking() bool {
	return r.WorkingAddress != "" && r.WorkingPort > 0
}

func (r PeerRecord) clone() PeerRecord {
	out := r
	if r.LastSuccessfulProbe != nil {
		at := *r.LastSuccessfulProbe
		out.LastSuccessfulProbe = &at
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Transition describes one status change of a record.
type Transition struct {
	PeerID PeerID
	From   Status
	To     Status
	Detail string
	At     time.Time
}

// UpsertResult reports what an Upsert did.
type UpsertResult struct {
	Created bool
	Evicted []PeerID
	Record  PeerRecord
}
