// Package ledger implements the typed client over the external ledger's
// submit/query/stream API (component A, spec §4.A). This package is the
// only place that knows how commands and events are serialized onto the
// wire; every other component talks to the Gateway interface.
package ledger

import (
	"context"

	"github.com/clobworks/exchange/internal/domain"
)

// CommandKind distinguishes the two shapes a ledger command can take.
type CommandKind int

const (
	CommandCreate CommandKind = iota
	CommandExercise
)

// TemplateID is a fully-qualified "packageId:module:entity" identifier,
// or an unqualified "module:entity" before LookupPackageID resolves it.
type TemplateID struct {
	PackageID string
	Module    string
	Entity    string
}

func (t TemplateID) Qualified() bool { return t.PackageID != "" }

func (t TemplateID) String() string {
	if t.PackageID == "" {
		return t.Module + ":" + t.Entity
	}
	return t.PackageID + ":" + t.Module + ":" + t.Entity
}

// Command is either a contract creation or a choice exercise, submitted
// under a caller-chosen CommandID for idempotent retry (§4.A).
type Command struct {
	Kind       CommandKind
	Template   TemplateID
	ContractID string // set iff Kind == CommandExercise
	Choice     string // set iff Kind == CommandExercise
	Arguments  map[string]interface{}
}

func CreateCommand(tmpl TemplateID, args map[string]interface{}) Command {
	return Command{Kind: CommandCreate, Template: tmpl, Arguments: args}
}

func ExerciseCommand(tmpl TemplateID, contractID, choice string, args map[string]interface{}) Command {
	return Command{Kind: CommandExercise, Template: tmpl, ContractID: contractID, Choice: choice, Arguments: args}
}

// EventKind classifies an event within a transaction.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventExercised EventKind = "exercised"
	EventArchived  EventKind = "archived"
)

// Event is one ledger event inside an Update.
type Event struct {
	Kind       EventKind
	Template   TemplateID
	ContractID string
	Payload    map[string]interface{} // set for Created
	Choice     string                 // set for Exercised
	Arguments  map[string]interface{} // set for Exercised
	Offset     int64
}

// Update is one ledger transaction: an ordered set of events sharing a
// single monotone offset (§4.A, §5).
type Update struct {
	Offset int64
	Events []Event
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	UpdateOffset int64
	Events       []Event
}

// Contract is one row returned by QueryActive: payload plus identity.
type Contract struct {
	ContractID string
	Template   TemplateID
	Payload    map[string]interface{}
	Offset     int64
}

// Gateway is the typed client consumed by every other component. All
// methods are suspension points (§5) and return *Error with a Kind from
// the §7 taxonomy.
type Gateway interface {
	// Submit executes a single command atomically under commandId. Reusing
	// commandId within the dedup window must not double-apply (§4.A).
	Submit(ctx context.Context, actAs domain.Party, commandID string, cmd Command) (*SubmitResult, error)

	// QueryActive returns active contracts of the given templates visible
	// to party. Always scoped by party (§4.A).
	QueryActive(ctx context.Context, templates []TemplateID, party domain.Party) ([]Contract, error)

	// StreamUpdates streams updates strictly in increasing offset order,
	// starting after fromOffset.
	StreamUpdates(ctx context.Context, fromOffset int64) (<-chan Update, error)

	// LookupPackageID resolves the package hosting module:entity, caching
	// the result indefinitely per process.
	LookupPackageID(ctx context.Context, module, entity string) (string, error)
}
