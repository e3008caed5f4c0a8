package identity

import (
	"context"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// Status is the last known reachability of a device
type Status string

// Device statuses
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DeviceIdentity is a cached copy of a directory record
type DeviceIdentity struct {
	DeviceID     int64     `json:"device_id"`
	SerialNumber string    `json:"serial_number"`
	Status       Status    `json:"status,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at,omitempty"`
}

// Tier names the layer that answered a lookup
type Tier string

// Lookup tiers
const (
	TierL1        Tier = "l1"
	TierL2        Tier = "l2"
	TierDirectory Tier = "directory"
	TierMiss      Tier = "miss"
)

// SharedCache is the cross-process cache tier. Get returns (nil, nil) on a
// miss; errors mean the backend itself failed.
type SharedCache interface {
	Get(ctx context.Context, serial string) (*DeviceIdentity, error)
	Set(ctx context.Context, device DeviceIdentity) error
	Delete(ctx context.Context, serial string) error
	// Invalidations streams serials removed by any process until ctx ends.
	Invalidations(ctx context.Context) (<-chan string, error)
	Close() error
}

// Directory is the authoritative device registry. Lookup returns (nil, nil)
// when the serial is unknown.
type Directory interface {
	Lookup(ctx context.Context, serial string) (*DeviceIdentity, error)
}

var safeKey = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// encodeKey maps a serial onto the restricted key alphabet shared by NATS KV
// and Redis key conventions. Serials outside it are hex encoded.
func encodeKey(serial string) string {
	if safeKey.MatchString(serial) {
		return serial
	}
	return "x." + hex.EncodeToString([]byte(serial))
}

func decodeKey(key string) string {
	if hexed, ok := strings.CutPrefix(key, "x."); ok {
		if raw, err := hex.DecodeString(hexed); err == nil {
			return string(raw)
		}
	}
	return key
}
