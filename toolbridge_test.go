package toolbridge

import (
	"context"
	"testing"
	"time"

	"github.com/petal-labs/toolbridge/bus"
	"github.com/petal-labs/toolbridge/config"
	"github.com/petal-labs/toolbridge/convert"
	"github.com/petal-labs/toolbridge/core"
	"github.com/petal-labs/toolbridge/persist"
	"github.com/petal-labs/toolbridge/registry"
	"github.com/petal-labs/toolbridge/schema"
	"github.com/petal-labs/toolbridge/state"
)

func weatherTool(name string) convert.SourceTool {
	return convert.SourceTool{
		Type: "function",
		Function: schema.Definition{
			Name:        name,
			Description: "Get current weather for a city",
			Parameters: &schema.Node{
				Type: schema.TypeObject,
				Properties: map[string]*schema.Node{
					"city": {Type: schema.TypeString},
				},
				Required: []string{"city"},
			},
		},
	}
}

func TestCoreIngestTools(t *testing.T) {
	c := NewCore(CoreConfig{})
	ctx := context.Background()

	tools := []convert.SourceTool{
		weatherTool("get_weather"),
		{Type: "function", Function: schema.Definition{Name: "bad name!"}},
		weatherTool("send_email"),
	}
	result, err := c.IngestTools(ctx, tools, registry.RegisterOptions{})
	if err != nil {
		t.Fatalf("IngestTools: %v", err)
	}
	if len(result.Registered) != 2 {
		t.Fatalf("Registered = %v, want 2 names", result.Registered)
	}
	if len(result.Converted) != 2 {
		t.Fatalf("got %d converted tools, want 2", len(result.Converted))
	}
	if result.Converted[0].Name != "get_weather" {
		t.Errorf("Converted[0].Name = %q, want get_weather", result.Converted[0].Name)
	}
	if len(result.Errors) != 1 || result.Errors[0].Index != 1 {
		t.Fatalf("Errors = %+v, want one at index 1", result.Errors)
	}

	if _, err := c.Registry().Lookup(ctx, "get_weather"); err != nil {
		t.Fatalf("Lookup after ingest: %v", err)
	}

	_, err = c.IngestTools(ctx, nil, registry.RegisterOptions{})
	if !core.HasCode(err, core.CodeInvalidInput) {
		t.Fatalf("IngestTools(nil) error = %v, want INVALID_INPUT", err)
	}
}

func TestCoreIngestToolsRejectsWrongWrapperType(t *testing.T) {
	c := NewCore(CoreConfig{})
	ctx := context.Background()

	tool := weatherTool("get_weather")
	tool.Type = "tool_use"
	result, err := c.IngestTools(ctx, []convert.SourceTool{tool}, registry.RegisterOptions{})
	if err != nil {
		t.Fatalf("IngestTools: %v", err)
	}
	if len(result.Errors) != 1 || !core.HasCode(result.Errors[0].Err, core.CodeInvalidInput) {
		t.Fatalf("Errors = %+v, want one INVALID_INPUT", result.Errors)
	}
	if len(result.Registered) != 0 {
		t.Fatalf("Registered = %v, want none", result.Registered)
	}

	// The registry and the converter agree: the item exists in neither.
	if _, err := c.Registry().Lookup(ctx, "get_weather"); !core.HasCode(err, core.CodeNotFound) {
		t.Fatalf("Lookup error = %v, want NOT_FOUND", err)
	}
}

func TestCoreObserveCallRequiresRegistration(t *testing.T) {
	c := NewCore(CoreConfig{})
	ctx := context.Background()

	_, err := c.ObserveCall(ctx, "session-1", state.ToolCall{Name: "get_weather"})
	if !core.HasCode(err, core.CodeNotFound) {
		t.Fatalf("ObserveCall error = %v, want NOT_FOUND", err)
	}

	if _, err := c.IngestTools(ctx, []convert.SourceTool{weatherTool("get_weather")}, registry.RegisterOptions{}); err != nil {
		t.Fatalf("IngestTools: %v", err)
	}
	entry, err := c.ObserveCall(ctx, "session-1", state.ToolCall{Name: "get_weather", Arguments: `{"city":"Oslo"}`})
	if err != nil {
		t.Fatalf("ObserveCall: %v", err)
	}
	if entry.State != state.StatePending {
		t.Errorf("State = %s, want pending", entry.State)
	}

	stats, ok := c.Tracker().Session("session-1")
	if !ok || stats.Created != 1 || stats.InFlight != 1 {
		t.Errorf("session stats = %+v, %v, want one in-flight call", stats, ok)
	}
}

func TestCoreCallLifecycleWithBus(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	c := NewCore(CoreConfig{Bus: b})
	defer c.Close()
	ctx := context.Background()

	if _, err := c.IngestTools(ctx, []convert.SourceTool{weatherTool("get_weather")}, registry.RegisterOptions{}); err != nil {
		t.Fatalf("IngestTools: %v", err)
	}
	sub := b.Subscribe(bus.SubscribeOptions{SessionID: "session-1"})
	defer sub.Close()

	entry, err := c.ObserveCall(ctx, "session-1", state.ToolCall{Name: "get_weather"})
	if err != nil {
		t.Fatalf("ObserveCall: %v", err)
	}
	if _, _, err := c.Advance(entry.ID, state.StateInProgress); err != nil {
		t.Fatalf("Advance to in_progress: %v", err)
	}
	if _, _, err := c.Advance(entry.ID, state.StateCompleted); err != nil {
		t.Fatalf("Advance to completed: %v", err)
	}

	for _, want := range []state.State{state.StateInProgress, state.StateCompleted} {
		select {
		case e := <-sub.Events():
			if e.To != want {
				t.Fatalf("event To = %s, want %s", e.To, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}

	stats := c.Tracker().Totals()
	if stats.Completed != 1 || stats.InFlight != 0 {
		t.Errorf("totals = %+v, want one completed, none in flight", stats)
	}
}

func TestCoreCheckpointAndRecover(t *testing.T) {
	c := NewCore(CoreConfig{})
	ctx := context.Background()

	if _, err := c.IngestTools(ctx, []convert.SourceTool{weatherTool("get_weather")}, registry.RegisterOptions{}); err != nil {
		t.Fatalf("IngestTools: %v", err)
	}
	entry, err := c.ObserveCall(ctx, "session-1", state.ToolCall{Name: "get_weather"})
	if err != nil {
		t.Fatalf("ObserveCall: %v", err)
	}
	if _, _, err := c.Advance(entry.ID, state.StateInProgress); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	cp, err := c.Checkpoint(ctx, "session-1")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if cp.Backup.Checksum == "" || cp.Save.Bytes == 0 {
		t.Fatalf("checkpoint = %+v, want populated save and backup", cp)
	}
	if cp.Backup.Envelope.Metrics["created"] != float64(1) {
		t.Errorf("Metrics[created] = %v, want 1", cp.Backup.Envelope.Metrics["created"])
	}

	// Lose the in-memory session, then recover it from the backup.
	if forgotten := c.EndSession("session-1"); forgotten != 1 {
		t.Fatalf("EndSession = %d, want 1", forgotten)
	}
	if _, ok := c.Machine().Get(entry.ID); ok {
		t.Fatal("entry still tracked after EndSession")
	}

	snap, err := c.Recover(ctx, "session-1", persist.RestoreOptions{ValidateIntegrity: true})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if snap.TotalCalls != 1 {
		t.Fatalf("recovered TotalCalls = %d, want 1", snap.TotalCalls)
	}
	got, ok := c.Machine().Get(entry.ID)
	if !ok {
		t.Fatal("entry not tracked after Recover")
	}
	if got.State != state.StateInProgress {
		t.Errorf("recovered State = %s, want in_progress", got.State)
	}

	// Recovered entries still honor the transition table.
	if _, _, err := c.Advance(entry.ID, state.StateCompleted); err != nil {
		t.Fatalf("Advance after recover: %v", err)
	}
}

func TestCoreExpire(t *testing.T) {
	store := persist.NewMemStore()
	c := NewCore(CoreConfig{Store: store})
	ctx := context.Background()

	if _, err := c.IngestTools(ctx, []convert.SourceTool{weatherTool("get_weather")}, registry.RegisterOptions{}); err != nil {
		t.Fatalf("IngestTools: %v", err)
	}
	if _, err := c.ObserveCall(ctx, "session-1", state.ToolCall{Name: "get_weather"}); err != nil {
		t.Fatalf("ObserveCall: %v", err)
	}
	if _, err := c.Checkpoint(ctx, "session-1"); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	// Nothing is old enough yet.
	result, err := c.Expire(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if result.RemovedStates != 0 {
		t.Fatalf("RemovedStates = %d, want 0", result.RemovedStates)
	}
}

func TestNewCoreFromConfig(t *testing.T) {
	c, err := NewCoreFromConfig(config.File{
		Registry: config.RegistrySection{MaxEntries: 1},
	})
	if err != nil {
		t.Fatalf("NewCoreFromConfig: %v", err)
	}
	ctx := context.Background()

	result, err := c.IngestTools(ctx, []convert.SourceTool{
		weatherTool("get_weather"),
		weatherTool("send_email"),
	}, registry.RegisterOptions{})
	if err != nil {
		t.Fatalf("IngestTools: %v", err)
	}
	if len(result.Registered) != 1 {
		t.Fatalf("Registered = %v, want capacity limit of 1 honored", result.Registered)
	}
	if len(result.Errors) != 1 || !core.HasCode(result.Errors[0].Err, core.CodeCapacityExceeded) {
		t.Fatalf("Errors = %+v, want one CAPACITY_EXCEEDED", result.Errors)
	}

	_, err = NewCoreFromConfig(config.File{
		Persistence: config.PersistenceSection{Backend: "redis"},
	})
	if err == nil {
		t.Fatal("NewCoreFromConfig with unknown backend should fail")
	}
}

func TestCoreRegisteredDefinitionsRoundTrip(t *testing.T) {
	c := NewCore(CoreConfig{})
	ctx := context.Background()

	tools := []convert.SourceTool{weatherTool("get_weather"), weatherTool("send_email")}
	if _, err := c.IngestTools(ctx, tools, registry.RegisterOptions{}); err != nil {
		t.Fatalf("IngestTools: %v", err)
	}

	wrapped, err := c.RegisteredDefinitions(ctx)
	if err != nil {
		t.Fatalf("RegisteredDefinitions: %v", err)
	}
	if len(wrapped) != 2 {
		t.Fatalf("got %d definitions, want 2", len(wrapped))
	}

	report, err := convert.VerifyRoundTrip(ctx, wrapped)
	if err != nil {
		t.Fatalf("VerifyRoundTrip: %v", err)
	}
	if !report.Fidelity {
		t.Fatalf("round trip lost data: %+v", report.Mismatches)
	}
}
