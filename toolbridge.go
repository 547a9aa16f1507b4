// Package toolbridge bridges function-calling clients onto a tool-use
// backend: tool definitions registered and validated once, converted
// losslessly between the two protocol shapes, with every resulting tool
// call tracked through an explicit lifecycle that can be persisted,
// backed up, and restored.
//
// The subpackages can be used directly; this package composes them into
// a single Core for the common embedding case:
//
//	import "github.com/petal-labs/toolbridge/registry"
//	import "github.com/petal-labs/toolbridge/convert"
//	import "github.com/petal-labs/toolbridge/state"
//	import "github.com/petal-labs/toolbridge/persist"
package toolbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/petal-labs/toolbridge/bus"
	"github.com/petal-labs/toolbridge/config"
	"github.com/petal-labs/toolbridge/convert"
	"github.com/petal-labs/toolbridge/core"
	"github.com/petal-labs/toolbridge/persist"
	"github.com/petal-labs/toolbridge/registry"
	"github.com/petal-labs/toolbridge/schema"
	"github.com/petal-labs/toolbridge/state"
	"github.com/petal-labs/toolbridge/track"
)

// CoreConfig configures a Core. Zero values select in-memory defaults.
type CoreConfig struct {
	// RegistryLimits bounds the schema registry.
	RegistryLimits registry.Limits

	// Store persists session state. Nil selects an in-memory store.
	Store persist.Store

	// WindowSize bounds the tracker's rolling duration average.
	WindowSize int

	// Bus distributes transition events to subscribers. Nil disables
	// external distribution; tracking still works.
	Bus *bus.MemBus

	// Handlers receive every transition event after the tracker.
	Handlers []state.Handler
}

// Core wires the registry, converter, state machine, tracker, and store
// into one embeddable unit.
type Core struct {
	registry *registry.Registry
	machine  *state.Machine
	store    persist.Store
	tracker  *track.Tracker
	bus      *bus.MemBus
}

// NewCore creates a Core from the config.
func NewCore(cfg CoreConfig) *Core {
	store := cfg.Store
	if store == nil {
		store = persist.NewMemStore()
	}
	tracker := track.New(cfg.WindowSize)

	handlers := make([]state.Handler, 0, len(cfg.Handlers)+2)
	handlers = append(handlers, tracker.Handle)
	if cfg.Bus != nil {
		handlers = append(handlers, cfg.Bus.Publish)
	}
	handlers = append(handlers, cfg.Handlers...)
	emit := state.Emitter(state.MultiHandler(handlers...))

	return &Core{
		registry: registry.New(cfg.RegistryLimits),
		machine:  state.NewMachine(emit),
		store:    store,
		tracker:  tracker,
		bus:      cfg.Bus,
	}
}

// NewCoreFromConfig creates a Core from a loaded configuration file,
// selecting and opening the configured persistence backend.
func NewCoreFromConfig(f config.File) (*Core, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var store persist.Store
	switch f.Persistence.Backend {
	case "", config.BackendMemory:
		store = persist.NewMemStore()
	case config.BackendFile:
		path := f.Persistence.Path
		if path == "" {
			fs, err := persist.NewDefaultFileStore()
			if err != nil {
				return nil, err
			}
			store = fs
		} else {
			store = persist.NewFileStore(path)
		}
	case config.BackendSQLite:
		dsn := f.Persistence.Path
		if dsn == "" {
			var err error
			dsn, err = persist.DefaultSQLitePath()
			if err != nil {
				return nil, err
			}
		}
		ss, err := persist.NewSQLiteStore(persist.SQLiteStoreConfig{DSN: dsn})
		if err != nil {
			return nil, err
		}
		store = ss
	default:
		return nil, fmt.Errorf("toolbridge: unknown persistence backend %q", f.Persistence.Backend)
	}

	return NewCore(CoreConfig{
		RegistryLimits: f.RegistryLimits(),
		Store:          store,
		WindowSize:     f.WindowSize(),
	}), nil
}

// Registry exposes the schema registry.
func (c *Core) Registry() *registry.Registry { return c.registry }

// Machine exposes the tool-call state machine.
func (c *Core) Machine() *state.Machine { return c.machine }

// Tracker exposes the metrics tracker.
func (c *Core) Tracker() *track.Tracker { return c.tracker }

// Store exposes the persistence store.
func (c *Core) Store() persist.Store { return c.store }

// IngestResult is the outcome of registering and converting a tool batch.
type IngestResult struct {
	// Registered lists the names accepted into the registry.
	Registered []string `json:"registered"`
	// Converted holds the backend-shape tools for the accepted names.
	Converted []convert.BackendTool `json:"converted"`
	// Errors collects per-item registration or conversion failures.
	Errors []convert.ItemError `json:"errors,omitempty"`
	// Timing covers the whole ingest.
	Timing core.Timing `json:"timing"`
}

// IngestTools validates and registers source-protocol tool definitions,
// then converts the accepted ones to the backend shape. Per-item failures
// do not abort the batch.
func (c *Core) IngestTools(ctx context.Context, tools []convert.SourceTool, opts registry.RegisterOptions) (IngestResult, error) {
	start := time.Now()
	if tools == nil {
		return IngestResult{}, core.NewError(core.CodeInvalidInput, "tools must be a non-nil list")
	}

	result := IngestResult{
		Registered: make([]string, 0, len(tools)),
		Converted:  make([]convert.BackendTool, 0, len(tools)),
	}
	accepted := make([]convert.SourceTool, 0, len(tools))
	for i, tool := range tools {
		// The wrapper type gates registration too; otherwise the registry
		// would accept an item the converter is about to reject.
		if tool.Type != "function" {
			result.Errors = append(result.Errors, convert.ItemError{
				Index: i,
				Name:  tool.Function.Name,
				Err:   core.NewError(core.CodeInvalidInput, "tool %d: type %q is not \"function\"", i, tool.Type),
			})
			continue
		}
		if _, err := c.registry.Register(ctx, tool.Function, opts); err != nil {
			result.Errors = append(result.Errors, convert.ItemError{Index: i, Name: tool.Function.Name, Err: err})
			continue
		}
		result.Registered = append(result.Registered, tool.Function.Name)
		accepted = append(accepted, tool)
	}

	converted, err := convert.ToBackend(ctx, accepted)
	if err != nil {
		return IngestResult{}, err
	}
	result.Converted = converted.Converted
	result.Errors = append(result.Errors, converted.Errors...)
	result.Timing = core.MeasureSince(start, registry.DefaultSoftBudget+convert.DefaultBudget)
	return result, nil
}

// ObserveCall starts tracking one tool call in state pending. The call's
// function must be registered.
func (c *Core) ObserveCall(ctx context.Context, sessionID string, call state.ToolCall) (state.Entry, error) {
	if _, err := c.registry.Lookup(ctx, call.Name); err != nil {
		return state.Entry{}, err
	}
	entry, err := c.machine.Create(sessionID, call)
	if err != nil {
		return state.Entry{}, err
	}
	c.tracker.CallCreated(sessionID, call.Name)
	return entry, nil
}

// Advance transitions a tracked call. It is a thin pass-through; the
// machine enforces the transition table.
func (c *Core) Advance(callID string, to state.State) (state.Entry, state.Event, error) {
	return c.machine.Transition(callID, to)
}

// CheckpointResult reports a completed checkpoint.
type CheckpointResult struct {
	Save   persist.SaveResult   `json:"save"`
	Backup persist.BackupRecord `json:"backup"`
}

// Checkpoint snapshots a session, saves it with current metrics, and
// takes a checksummed backup of the saved state.
func (c *Core) Checkpoint(ctx context.Context, sessionID string) (CheckpointResult, error) {
	snap := c.machine.Snapshot(sessionID)
	metrics := sessionMetrics(c.tracker, sessionID)

	save, err := c.store.SaveSessionState(ctx, sessionID, snap, metrics)
	if err != nil {
		return CheckpointResult{}, err
	}
	backup, err := c.store.BackupSessionState(ctx, sessionID)
	if err != nil {
		return CheckpointResult{}, err
	}
	return CheckpointResult{Save: save, Backup: backup}, nil
}

// Recover restores a session from a backup and reinstates its entries in
// the machine.
func (c *Core) Recover(ctx context.Context, sessionID string, opts persist.RestoreOptions) (state.Snapshot, error) {
	env, err := c.store.RestoreSessionState(ctx, sessionID, opts)
	if err != nil {
		return state.Snapshot{}, err
	}
	c.machine.Restore(env.Snapshot)
	return env.Snapshot, nil
}

// Expire removes stored session states older than maxAge and drops the
// corresponding in-memory tracking for sessions whose state was removed.
func (c *Core) Expire(ctx context.Context, maxAge time.Duration) (persist.CleanupResult, error) {
	return c.store.CleanupExpiredStates(ctx, maxAge)
}

// EndSession drops all in-memory tracking for a session and returns how
// many entries were forgotten. Persisted state is untouched.
func (c *Core) EndSession(sessionID string) int {
	c.tracker.Forget(sessionID)
	return c.machine.Forget(sessionID)
}

// Close releases the event bus, if any.
func (c *Core) Close() error {
	if c.bus != nil {
		return c.bus.Close()
	}
	return nil
}

// RegisteredDefinitions returns the registered definitions wrapped in the
// source-protocol tool shape, ready for round-trip verification.
func (c *Core) RegisteredDefinitions(ctx context.Context) ([]convert.SourceTool, error) {
	list, err := c.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	defs := make([]schema.Definition, 0, len(list.Entries))
	for _, entry := range list.Entries {
		defs = append(defs, entry.Definition)
	}
	return convert.WrapDefinitions(defs), nil
}

func sessionMetrics(tracker *track.Tracker, sessionID string) map[string]any {
	stats, ok := tracker.Session(sessionID)
	if !ok {
		return nil
	}
	return map[string]any{
		"created":         stats.Created,
		"completed":       stats.Completed,
		"failed":          stats.Failed,
		"cancelled":       stats.Cancelled,
		"peak_in_flight":  stats.PeakInFlight,
		"success_rate":    stats.SuccessRate,
		"avg_duration_ms": float64(stats.AvgDuration) / float64(time.Millisecond),
		"max_duration_ms": float64(stats.MaxDuration) / float64(time.Millisecond),
	}
}
