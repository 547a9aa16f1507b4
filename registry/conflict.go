package registry

import (
	"slices"
	"strings"

	"github.com/petal-labs/toolbridge/schema"
)

// ConflictStrategy selects how a registration collision is resolved.
// Strategies are chosen explicitly per call; there is no hidden policy
// configuration, so behavior stays auditable at the call site.
type ConflictStrategy string

const (
	// ConflictReject fails the registration and leaves the existing entry.
	ConflictReject ConflictStrategy = "reject"
	// ConflictReplace overwrites the existing entry in place.
	ConflictReplace ConflictStrategy = "replace"
	// ConflictVersion keeps both: the incoming schema is registered under
	// an independent "name@version" entry and the existing one is untouched.
	ConflictVersion ConflictStrategy = "version"
)

// ConflictType classifies what differs between the colliding schemas.
type ConflictType string

const (
	// ConflictTypeDefinition means the parameter schemas differ.
	ConflictTypeDefinition ConflictType = "definition"
	// ConflictTypeVersion means the schemas match but the versions differ.
	ConflictTypeVersion ConflictType = "version"
	// ConflictTypeUnknown means name, schema, and version all match; the
	// caller re-registered an identical definition.
	ConflictTypeUnknown ConflictType = "unknown"
)

// ConflictRecord describes one collision. It is transient: produced and
// consumed within a single registration attempt, never persisted.
type ConflictRecord struct {
	Type              ConflictType       `json:"type"`
	Existing          Entry              `json:"existing"`
	Incoming          schema.Definition  `json:"incoming"`
	ResolutionOptions []ConflictStrategy `json:"resolution_options"`
}

func detectConflict(existing Entry, incoming schema.Definition, incomingVersion string) ConflictRecord {
	record := ConflictRecord{
		Existing:          existing,
		Incoming:          incoming,
		ResolutionOptions: []ConflictStrategy{ConflictReject, ConflictReplace, ConflictVersion},
	}
	switch {
	case !schema.Equal(existing.Definition, incoming):
		record.Type = ConflictTypeDefinition
	case existing.Version != incomingVersion:
		record.Type = ConflictTypeVersion
	default:
		record.Type = ConflictTypeUnknown
	}
	return record
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Name, b.Name)
	})
}
