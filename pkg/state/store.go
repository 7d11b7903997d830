// Package state persists the last-applied attributes of every managed
// resource. The store is the single source of truth for what has been
// applied so far: the executor commits one record per confirmed provider
// operation, and the differ reads the records back on the next run.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Record is the durable state of one resource: its identity, the external id
// assigned by the provider, and the full attribute set after the last
// successful operation. DependsOn captures the dependency edges at commit
// time so deletions can still be ordered after the configuration no longer
// declares the resource.
type Record struct {
	// ID is the resource identifier, kind.name.
	ID string `json:"id"`

	// Kind is the resource kind.
	Kind string `json:"kind"`

	// Name is the configuration-local resource name.
	Name string `json:"name"`

	// ExternalID is the provider-assigned identifier of the real object.
	ExternalID string `json:"external_id"`

	// Attrs is the full attribute set after the last applied operation.
	Attrs map[string]cty.Value `json:"-"`

	// DependsOn lists producer IDs captured when the record was committed.
	DependsOn []string `json:"depends_on"`

	// UpdatedAt is when the record was last committed.
	UpdatedAt time.Time `json:"updated_at"`
}

// LockInfo describes a held store lock.
type LockInfo struct {
	// ID is the unique id of this lock acquisition.
	ID string `json:"id"`

	// Holder identifies who acquired the lock (user@host pid).
	Holder string `json:"holder"`

	// Operation is the operation the holder is performing.
	Operation string `json:"operation"`

	// AcquiredAt is when the lock was acquired.
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockHeldError reports that another run holds the store lock.
type LockHeldError struct {
	Holder     string
	Operation  string
	AcquiredAt time.Time
}

// Error implements the error interface.
func (e *LockHeldError) Error() string {
	return fmt.Sprintf("state is locked by %s (operation %q, since %s)",
		e.Holder, e.Operation, e.AcquiredAt.Format(time.RFC3339))
}

// Store persists resource records. Commits and removals are atomic per
// record: a reader never observes a partially written record. Writers must
// hold the store lock; a single run may not overlap another run against the
// same store.
type Store interface {
	// Load returns all records keyed by resource ID, empty when the store
	// holds no state yet.
	Load(ctx context.Context) (map[string]*Record, error)

	// Commit durably persists one record, replacing any prior record with
	// the same ID.
	Commit(ctx context.Context, rec *Record) error

	// Remove deletes the record with the given ID. Removing an absent
	// record is not an error.
	Remove(ctx context.Context, id string) error

	// Lock acquires the exclusive store lock, waiting at most the store's
	// configured bound before failing with a LockHeldError.
	Lock(ctx context.Context, operation string) (*LockInfo, error)

	// Unlock releases a lock previously acquired by this process.
	Unlock(ctx context.Context, lockID string) error

	// Close releases the underlying storage handle.
	Close() error
}

// Run is one recorded execution against the store.
type Run struct {
	ID          string     `json:"id"`
	Operation   string     `json:"operation"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Summary     RunSummary `json:"summary"`
}

// RunSummary counts the change entries applied during a run.
type RunSummary struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Replaced  int `json:"replaced"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Event is one append-only log entry attached to a run.
type Event struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	ResourceID string    `json:"resource_id,omitempty"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// HistoryStore is implemented by stores that additionally keep run history.
type HistoryStore interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string) ([]*Event, error)
}

// MarshalAttrs serializes an attribute map to JSON. All values must be known;
// the executor only commits concrete provider results.
func MarshalAttrs(attrs map[string]cty.Value) ([]byte, error) {
	obj := cty.ObjectVal(attrs)
	if !obj.IsWhollyKnown() {
		return nil, fmt.Errorf("cannot serialize unknown attribute values")
	}
	data, err := ctyjson.Marshal(obj, obj.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize attributes: %w", err)
	}
	return data, nil
}

// UnmarshalAttrs deserializes an attribute map produced by MarshalAttrs.
func UnmarshalAttrs(data []byte) (map[string]cty.Value, error) {
	ty, err := ctyjson.ImpliedType(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read attribute types: %w", err)
	}
	val, err := ctyjson.Unmarshal(data, ty)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize attributes: %w", err)
	}
	if val.IsNull() || !val.Type().IsObjectType() {
		return map[string]cty.Value{}, nil
	}
	return val.AsValueMap(), nil
}

// marshalDeps serializes a dependency list for storage.
func marshalDeps(deps []string) (string, error) {
	if deps == nil {
		deps = []string{}
	}
	data, err := json.Marshal(deps)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalDeps deserializes a stored dependency list.
func unmarshalDeps(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var deps []string
	if err := json.Unmarshal([]byte(data), &deps); err != nil {
		return nil, err
	}
	return deps, nil
}
