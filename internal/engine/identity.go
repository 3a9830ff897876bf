package engine

import (
	"fmt"

	"github.com/rendis/durable/pkg/schema"
)

// identities hands out operation ids in call order. Named operations are keyed
// by their occurrence of that name ("step:charge#2"); unnamed ones by the
// global ordinal of the call ("wait@3"). Both are stable across replays as long
// as the handler issues the same calls in the same order.
type identities struct {
	ordinal int
	named   map[string]int
}

func newIdentities() *identities {
	return &identities{named: make(map[string]int)}
}

func (ids *identities) next(kind schema.OperationKind, name string) string {
	ids.ordinal++
	if name == "" {
		return fmt.Sprintf("%s@%d", kind, ids.ordinal)
	}
	key := string(kind) + ":" + name
	ids.named[key]++
	return NamedOperationID(kind, name, ids.named[key])
}

// NamedOperationID returns the id of the n-th (1-based) operation of kind
// carrying name.
func NamedOperationID(kind schema.OperationKind, name string, occurrence int) string {
	return fmt.Sprintf("%s:%s#%d", kind, name, occurrence)
}
