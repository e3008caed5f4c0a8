package protocol

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/c360/termstream/errors"
)

// Registry maps protocol codes and composite keys to decoders
type Registry struct {
	mu          sync.RWMutex
	byCode      map[string]Decoder
	byComposite map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byCode:      make(map[string]Decoder),
		byComposite: make(map[string]string),
	}
}

// Register adds a decoder and the composite keys that select it. A code or
// composite key may only be registered once.
func (r *Registry) Register(d Decoder, composites ...string) error {
	if d == nil || d.Code() == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "decoder without code")
	}
	code := strings.ToUpper(d.Code())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byCode[code]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register",
			fmt.Sprintf("duplicate protocol code %s", code))
	}
	for _, key := range composites {
		if prev, exists := r.byComposite[strings.ToUpper(key)]; exists {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register",
				fmt.Sprintf("composite %s already selects %s", key, prev))
		}
	}

	r.byCode[code] = d
	for _, key := range composites {
		r.byComposite[strings.ToUpper(key)] = code
	}
	return nil
}

// Lookup returns the decoder for code, matched case-insensitively
func (r *Registry) Lookup(code string) (Decoder, error) {
	r.mu.RLock()
	d, ok := r.byCode[strings.ToUpper(strings.TrimSpace(code))]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnresolvableProtocol, "Registry", "Lookup",
			fmt.Sprintf("protocol code %q", code))
	}
	return d, nil
}

// ResolveComposite maps a (device type, manufacturer) pair to a protocol code
func (r *Registry) ResolveComposite(deviceType, manufacturer string) (string, error) {
	key := CompositeKey(deviceType, manufacturer)

	r.mu.RLock()
	code, ok := r.byComposite[key]
	r.mu.RUnlock()

	if !ok {
		return "", errors.WrapInvalid(errors.ErrUnresolvableProtocol, "Registry", "ResolveComposite",
			fmt.Sprintf("device type/manufacturer %s", key))
	}
	return code, nil
}

// Codes returns the registered protocol codes, sorted
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.byCode))
	for code := range r.byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// DefaultRegistry returns a registry with the built-in dialects
func DefaultRegistry() *Registry {
	r := NewRegistry()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register(NewAccessDecoder(), CompositeKey("ACCESS_CONTROLLER", "ENTROPY")))
	must(r.Register(NewAttendanceDecoder(), CompositeKey("ATTENDANCE_TERMINAL", "ENTROPY")))
	must(r.Register(NewConsumeDecoder(), CompositeKey("CONSUME_TERMINAL", "ZKTECO")))
	must(r.Register(NewBinaryDecoder(), CompositeKey("ACCESS_CONTROLLER", "GENERIC")))
	return r
}

// TableMap maps vendor table tags to protocol codes. It is swapped as a
// whole on reload, so readers never see a partial map.
type TableMap struct {
	tables atomic.Pointer[map[string]string]
}

// NewTableMap creates a table map from table tag to protocol code
func NewTableMap(tables map[string]string) *TableMap {
	t := &TableMap{}
	t.Replace(tables)
	return t
}

// Replace swaps in a new mapping. Keys are matched case-insensitively.
func (t *TableMap) Replace(tables map[string]string) {
	normalized := make(map[string]string, len(tables))
	for table, code := range tables {
		normalized[strings.ToUpper(strings.TrimSpace(table))] = strings.ToUpper(strings.TrimSpace(code))
	}
	t.tables.Store(&normalized)
}

// Resolve returns the protocol code for table
func (t *TableMap) Resolve(table string) (string, error) {
	tables := *t.tables.Load()
	code, ok := tables[strings.ToUpper(strings.TrimSpace(table))]
	if !ok {
		return "", errors.WrapInvalid(errors.ErrUnresolvableProtocol, "TableMap", "Resolve",
			fmt.Sprintf("unmapped table %q", table))
	}
	return code, nil
}

// Tables returns a copy of the current mapping
func (t *TableMap) Tables() map[string]string {
	tables := *t.tables.Load()
	out := make(map[string]string, len(tables))
	for k, v := range tables {
		out[k] = v
	}
	return out
}
