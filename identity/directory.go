package identity

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/natsclient"
)

// Requester is the request/reply half of the NATS client
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// LookupRequest is the directory request body
type LookupRequest struct {
	SerialNumber string `json:"serial_number"`
}

// LookupReply is the directory reply body. Device is nil for unknown serials.
type LookupReply struct {
	Device *DeviceIdentity `json:"device"`
}

// NATSDirectory queries the device directory service over NATS request/reply
type NATSDirectory struct {
	client  Requester
	subject string
}

// NewNATSDirectory creates a directory client on subject
func NewNATSDirectory(client Requester, subject string) *NATSDirectory {
	return &NATSDirectory{client: client, subject: subject}
}

// Lookup implements Directory
func (d *NATSDirectory) Lookup(ctx context.Context, serial string) (*DeviceIdentity, error) {
	body, err := json.Marshal(LookupRequest{SerialNumber: serial})
	if err != nil {
		return nil, errors.WrapInvalid(err, "NATSDirectory", "Lookup", "encode request")
	}

	data, err := d.client.Request(ctx, d.subject, body)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSDirectory", "Lookup", "request "+d.subject)
	}

	var reply LookupReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, errors.WrapInvalid(errors.ErrDataCorrupted, "NATSDirectory", "Lookup", "decode reply")
	}
	return reply.Device, nil
}

// StaticDirectory serves identities from a fixed serial to id map
type StaticDirectory struct {
	mu      sync.RWMutex
	devices map[string]int64
	now     func() time.Time
}

// NewStaticDirectory creates a directory from serial to device id
func NewStaticDirectory(devices map[string]int64) *StaticDirectory {
	d := &StaticDirectory{now: time.Now}
	d.Replace(devices)
	return d
}

// Replace swaps the device map
func (d *StaticDirectory) Replace(devices map[string]int64) {
	copied := make(map[string]int64, len(devices))
	for serial, id := range devices {
		copied[serial] = id
	}
	d.mu.Lock()
	d.devices = copied
	d.mu.Unlock()
}

// Lookup implements Directory
func (d *StaticDirectory) Lookup(_ context.Context, serial string) (*DeviceIdentity, error) {
	d.mu.RLock()
	id, ok := d.devices[serial]
	d.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	return &DeviceIdentity{DeviceID: id, SerialNumber: serial, Status: StatusOnline, LastSeenAt: d.now().UTC()}, nil
}

// ServeDirectory answers directory requests on subject from dir. It lets a
// node with a static device map act as the directory for its peers.
func ServeDirectory(ctx context.Context, client *natsclient.Client, subject string, dir Directory) error {
	return client.Respond(ctx, subject, "termstream-directory", func(ctx context.Context, data []byte) ([]byte, error) {
		var req LookupRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "Directory", "Serve", "decode request")
		}
		device, err := dir.Lookup(ctx, req.SerialNumber)
		if err != nil {
			return nil, err
		}
		return json.Marshal(LookupReply{Device: device})
	})
}
