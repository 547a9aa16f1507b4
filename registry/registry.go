// Package registry implements the in-memory catalog of tool schemas:
// registration with conflict resolution, lookup, listing, and capacity
// enforcement. A Registry is an explicit instance, never process-wide
// state; embedders construct one per compatibility layer and tests
// construct isolated ones.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/toolbridge/core"
	"github.com/petal-labs/toolbridge/schema"
)

// Default limits. The soft budget is advisory: operations that overrun it
// still complete, with Timing.TimedOut set on the result.
const (
	DefaultMaxEntries    = 1000
	DefaultMaxTotalBytes = 5 << 20
	DefaultSoftBudget    = 3 * time.Millisecond
)

// Limits bounds a registry instance.
type Limits struct {
	MaxEntries    int
	MaxTotalBytes int
	SoftBudget    time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultMaxEntries
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if l.SoftBudget <= 0 {
		l.SoftBudget = DefaultSoftBudget
	}
	return l
}

// Entry is one registered schema.
type Entry struct {
	Name         string            `json:"name"`
	Definition   schema.Definition `json:"definition"`
	Version      string            `json:"version"`
	RegisteredAt time.Time         `json:"registered_at"`

	size int
}

// Registry is a mutex-guarded catalog keyed by schema name. All reads
// return clones; callers can never alias registry-owned definitions.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	totalBytes int
	limits     Limits
	now        func() time.Time
}

// New creates a registry with the given limits (zero values take defaults).
func New(limits Limits) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		limits:  limits.withDefaults(),
		now:     time.Now,
	}
}

// RegisterOptions tune one registration attempt.
type RegisterOptions struct {
	// Version defaults to schema.DefaultVersion when empty.
	Version string
	// OnConflict selects the resolution strategy when the name is taken.
	// The zero value rejects, which keeps collisions loud by default.
	OnConflict ConflictStrategy
}

// RegisterResult reports the outcome of a successful registration.
type RegisterResult struct {
	// Name is the resolved entry name. Under ConflictVersion this differs
	// from the requested name (it carries a "@version" suffix).
	Name     string           `json:"name"`
	Entry    Entry            `json:"entry"`
	Resolved ConflictStrategy `json:"resolved,omitempty"`
	Timing   core.Timing      `json:"timing"`
}

// Register validates and stores a definition. Registration is atomic: on
// any error the registry is unchanged.
func (r *Registry) Register(ctx context.Context, def schema.Definition, opts RegisterOptions) (RegisterResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return RegisterResult{}, err
	}

	if diags := schema.ValidateName(def.Name); schema.HasErrors(diags) {
		return RegisterResult{}, core.NewError(core.CodeInvalidName, "invalid tool name %q", def.Name).
			WithDetails(map[string]any{"diagnostics": diags})
	}
	if diags := schema.ValidateDefinition(def); schema.HasErrors(diags) {
		return RegisterResult{}, core.NewError(core.CodeInvalidSchema, "invalid schema for %q", def.Name).
			WithDetails(map[string]any{"diagnostics": diags})
	}

	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = schema.DefaultVersion
	}
	if err := schema.ValidateVersion(version); err != nil {
		return RegisterResult{}, core.WrapError(core.CodeInvalidVersion, err, "invalid version for %q", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := def.Name
	var resolved ConflictStrategy
	if existing, ok := r.entries[name]; ok {
		record := detectConflict(existing, def, version)
		switch opts.OnConflict {
		case "", ConflictReject:
			return RegisterResult{}, core.NewError(core.CodeDuplicateSchema, "schema %q already registered", name).
				WithDetails(map[string]any{
					"conflict_type":      record.Type,
					"existing_version":   existing.Version,
					"resolution_options": []ConflictStrategy{ConflictReject, ConflictReplace, ConflictVersion},
				})
		case ConflictReplace:
			resolved = ConflictReplace
		case ConflictVersion:
			name = VersionedName(def.Name, version)
			if _, taken := r.entries[name]; taken {
				return RegisterResult{}, core.NewError(core.CodeDuplicateSchema, "versioned schema %q already registered", name)
			}
			resolved = ConflictVersion
		default:
			return RegisterResult{}, core.NewError(core.CodeInvalidInput, "unknown conflict strategy %q", opts.OnConflict)
		}
	}

	entry := Entry{
		Name:         name,
		Definition:   def.Clone(),
		Version:      version,
		RegisteredAt: r.now().UTC(),
	}
	entry.size = entry.Definition.SerializedSize()

	replacedSize := 0
	if resolved == ConflictReplace {
		replacedSize = r.entries[name].size
	} else if len(r.entries) >= r.limits.MaxEntries {
		return RegisterResult{}, core.NewError(core.CodeCapacityExceeded, "registry is full (%d entries)", r.limits.MaxEntries)
	}
	if r.totalBytes-replacedSize+entry.size > r.limits.MaxTotalBytes {
		return RegisterResult{}, core.NewError(core.CodeCapacityExceeded, "registry byte ceiling exceeded (%d bytes)", r.limits.MaxTotalBytes)
	}

	r.totalBytes += entry.size - replacedSize
	r.entries[name] = entry

	return RegisterResult{
		Name:     name,
		Entry:    cloneEntry(entry),
		Resolved: resolved,
		Timing:   core.MeasureSince(start, r.limits.SoftBudget),
	}, nil
}

// LookupResult carries a cloned entry plus timing.
type LookupResult struct {
	Entry  Entry       `json:"entry"`
	Timing core.Timing `json:"timing"`
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(ctx context.Context, name string) (LookupResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return LookupResult{}, err
	}

	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return LookupResult{}, core.NewError(core.CodeNotFound, "schema %q is not registered", name)
	}
	return LookupResult{
		Entry:  cloneEntry(entry),
		Timing: core.MeasureSince(start, r.limits.SoftBudget),
	}, nil
}

// OpResult reports a removal-style operation.
type OpResult struct {
	Removed int         `json:"removed"`
	Timing  core.Timing `json:"timing"`
}

// Unregister removes the entry registered under name.
func (r *Registry) Unregister(ctx context.Context, name string) (OpResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return OpResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return OpResult{}, core.NewError(core.CodeNotFound, "schema %q is not registered", name)
	}
	delete(r.entries, name)
	r.totalBytes -= entry.size

	return OpResult{Removed: 1, Timing: core.MeasureSince(start, r.limits.SoftBudget)}, nil
}

// ListResult carries all entries in name order plus timing.
type ListResult struct {
	Entries []Entry     `json:"entries"`
	Timing  core.Timing `json:"timing"`
}

// List returns every entry, cloned, in deterministic (name-sorted) order.
func (r *Registry) List(ctx context.Context) (ListResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, cloneEntry(entry))
	}
	r.mu.RUnlock()

	sortEntries(entries)
	return ListResult{Entries: entries, Timing: core.MeasureSince(start, r.limits.SoftBudget)}, nil
}

// Clear removes every entry and reports how many were dropped.
func (r *Registry) Clear(ctx context.Context) (OpResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return OpResult{}, err
	}

	r.mu.Lock()
	removed := len(r.entries)
	r.entries = make(map[string]Entry)
	r.totalBytes = 0
	r.mu.Unlock()

	return OpResult{Removed: removed, Timing: core.MeasureSince(start, r.limits.SoftBudget)}, nil
}

// VersionedName builds the independent entry name used by the version
// conflict strategy.
func VersionedName(name, version string) string {
	return fmt.Sprintf("%s@%s", name, version)
}

func cloneEntry(in Entry) Entry {
	out := in
	out.Definition = in.Definition.Clone()
	return out
}
