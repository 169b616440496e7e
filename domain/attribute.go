// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import (
	"fmt"
	"sync"
)

// NounID identifies an abstract value kind. Nouns map stored scalars to live
// values (and back) and carry the class semantics of attribute subjects and
// objects.
type NounID int

const (
	NounBoolean NounID = 1
	// NounDate values are stored as microseconds since the unix epoch.
	NounDate   NounID = 10
	NounString NounID = 20
	NounTag    NounID = 50

	NounConversation NounID = 101
	NounMessage      NounID = 102
	NounContact      NounID = 103
	NounIdentity     NounID = 104
)

// AttrType categorizes attributes by how directly their values are read off
// the raw message.
type AttrType int

const (
	AttrFundamental  AttrType = 0
	AttrOptimization AttrType = 1
	AttrDerived      AttrType = 2
	AttrExplicit     AttrType = 3
	AttrImplicit     AttrType = 4
)

type Cardinality int

const (
	Singular Cardinality = 0
	Multiple Cardinality = 1
)

// BuiltIn is the plugin name used by the attribute providers that ship with
// the engine.
const BuiltIn = "built-in"

// AttributeDef is a named, typed, persisted attribute descriptor. The
// (PluginName, Name) pair is globally unique and the ID is stable for the
// lifetime of the store. A def loaded from storage starts out unbound
// (Provider nil) until a live provider defines it in this process.
type AttributeDef struct {
	// ID is 0 for parameterized attributes, which defer allocation to the
	// first BindParameter call for a concrete parameter.
	ID           int64
	CompoundName string

	Provider AttributeProvider
	Type     AttrType

	PluginName string
	Name       string

	SubjectNoun   NounID
	ObjectNoun    NounID
	ParameterNoun NounID // 0 when the attribute takes no parameter

	Cardinality Cardinality
	BindName    string

	mu         sync.Mutex
	paramToID  map[string]int64
	idToParam  map[int64]string
	allocParam func(param string) (int64, error)
}

// Bound reports whether a live provider has claimed this def in the current
// process.
func (a *AttributeDef) Bound() bool {
	return a.Provider != nil
}

// Parameterized reports whether instances of this attribute carry a
// parameter value.
func (a *AttributeDef) Parameterized() bool {
	return a.ParameterNoun != 0
}

// SetParameterAllocator installs the callback used to allocate persisted IDs
// for parameter-bound variants. The registry wires this to the datastore.
func (a *AttributeDef) SetParameterAllocator(alloc func(param string) (int64, error)) {
	a.allocParam = alloc
}

// AddParameterBinding records an already-persisted parameter variant, as
// loaded from storage at startup.
func (a *AttributeDef) AddParameterBinding(param string, id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paramToID == nil {
		a.paramToID = map[string]int64{}
		a.idToParam = map[int64]string{}
	}
	a.paramToID[param] = id
	a.idToParam[id] = param
}

// BindParameter returns the persisted attribute ID for the given parameter
// value, allocating one on first use. The allocator runs without holding
// a.mu; it takes registry locks of its own.
func (a *AttributeDef) BindParameter(param string) (int64, error) {
	a.mu.Lock()
	if id, ok := a.paramToID[param]; ok {
		a.mu.Unlock()
		return id, nil
	}
	alloc := a.allocParam
	a.mu.Unlock()

	if alloc == nil {
		return 0, fmt.Errorf("attribute %s has no parameter allocator", a.CompoundName)
	}
	id, err := alloc(param)
	if err != nil {
		return 0, fmt.Errorf("could not allocate parameter id for %s(%s): %w", a.CompoundName, param, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.paramToID[param]; ok {
		// Lost an allocation race; the first binding wins.
		return existing, nil
	}
	if a.paramToID == nil {
		a.paramToID = map[string]int64{}
		a.idToParam = map[int64]string{}
	}
	a.paramToID[param] = id
	a.idToParam[id] = param
	return id, nil
}

// ParameterID looks up the persisted ID for a parameter without allocating.
func (a *AttributeDef) ParameterID(param string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.paramToID[param]
	return id, ok
}

// ParameterForID is the reverse lookup, used when coercing stored instance
// rows back into parameter values.
func (a *AttributeDef) ParameterForID(id int64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	param, ok := a.idToParam[id]
	return param, ok
}

// AllIDs returns the base ID (if allocated) plus every parameter-bound ID.
func (a *AttributeDef) AllIDs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := []int64{}
	if a.ID != 0 {
		ids = append(ids, a.ID)
	}
	for _, id := range a.paramToID {
		ids = append(ids, id)
	}
	return ids
}

// AttributeInstance is the single tagged shape every provider returns: a
// (definition, optional parameter, value) triple scoped to one message.
type AttributeInstance struct {
	Attr      *AttributeDef
	Parameter any // nil for unparameterized attributes
	Value     any
}

// StoredAttribute is an attribute-instance row as the datastore sees it: the
// (possibly parameter-bound) attribute ID and the stored scalar value.
type StoredAttribute struct {
	AttrID int64
	Value  any
}

// StoredAttributeDef is a persisted attribute definition row, loaded at
// startup to keep IDs stable across runs.
type StoredAttributeDef struct {
	ID         int64
	Type       AttrType
	PluginName string
	Name       string
	Parameter  *string // non-nil for a parameter-bound variant
}

// APVClause is one resolved (Attribute, Parameter, Value) predicate at the
// datastore level. AttributeIDs OR together (a parameterized predicate may
// span several bound IDs); Values OR together within the clause. An empty
// Values with no range is a presence test. Clauses AND across one query.
type APVClause struct {
	AttributeIDs []int64
	Values       []any
	RangeLo      any
	RangeHi      any
}

// HasRange reports whether the clause constrains values to an inclusive
// range rather than an enumerated set.
func (c APVClause) HasRange() bool {
	return c.RangeLo != nil || c.RangeHi != nil
}

// APVPredicate is one engine-level (Attribute, Parameter, Value) predicate.
// Values OR together; RangeLo/RangeHi constrain to an inclusive range;
// Presence matches any instance of the attribute. Predicates AND across a
// single query.
type APVPredicate struct {
	Attr      *AttributeDef
	Parameter any
	Values    []any
	RangeLo   any
	RangeHi   any
	Presence  bool
}

