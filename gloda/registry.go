// SPDX-License-Identifier: GPL-3.0-or-later
package gloda

import (
	"fmt"
	"sync"

	"github.com/vivithecanine/gloda/domain"
	"github.com/vivithecanine/gloda/log"

	"github.com/sirupsen/logrus"
)

// AttributeSpec describes one attribute to define. PluginName and Name form
// the globally unique compound name; BindName installs a read-only accessor
// on the subject noun.
type AttributeSpec struct {
	Provider domain.AttributeProvider
	Type     domain.AttrType

	PluginName string
	Name       string

	Cardinality   domain.Cardinality
	SubjectNoun   domain.NounID
	ObjectNoun    domain.NounID
	ParameterNoun domain.NounID

	BindName string
}

// Registry is the central catalog of nouns and attribute definitions. It is
// constructed at startup and passed by reference to the indexing pipeline
// and the query evaluator; there is no ambient global state.
type Registry struct {
	ds domain.Datastore
	l  *logrus.Logger

	mu            sync.RWMutex
	nouns         map[domain.NounID]*NounDef
	attrs         map[string]*domain.AttributeDef
	attrByID      map[int64]*domain.AttributeDef
	providerOrder []domain.AttributeProvider
	providerAttrs map[string][]*domain.AttributeDef
	bindings      map[domain.NounID]map[string]*domain.AttributeDef

	initialized bool
}

func NewRegistry(ds domain.Datastore) *Registry {
	return &Registry{
		ds:            ds,
		l:             log.Logger(log.LOG_GLODA),
		nouns:         map[domain.NounID]*NounDef{},
		attrs:         map[string]*domain.AttributeDef{},
		attrByID:      map[int64]*domain.AttributeDef{},
		providerAttrs: map[string][]*domain.AttributeDef{},
		bindings:      map[domain.NounID]map[string]*domain.AttributeDef{},
	}
}

// Init registers the built-in nouns and loads the persisted attribute
// definitions so IDs stay stable across runs. Loaded defs are unbound until
// a provider defines them.
func (r *Registry) Init() error {
	if r.initialized {
		return nil
	}

	err := registerBuiltinNouns(r, r.ds)
	if err != nil {
		return fmt.Errorf("could not register built-in nouns: %w", err)
	}

	stored, err := r.ds.GetAllAttributes()
	if err != nil {
		return fmt.Errorf("could not load attribute definitions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range stored {
		compound := compoundName(s.PluginName, s.Name)
		def := r.attrs[compound]
		if def == nil {
			def = &domain.AttributeDef{
				CompoundName: compound,
				Type:         s.Type,
				PluginName:   s.PluginName,
				Name:         s.Name,
			}
			r.attrs[compound] = def
		}
		if s.Parameter == nil {
			def.ID = s.ID
		} else {
			def.AddParameterBinding(*s.Parameter, s.ID)
		}
		r.attrByID[s.ID] = def
	}

	r.l.WithField("attributes", len(r.attrs)).Info("Attribute catalog loaded")
	r.initialized = true
	return nil
}

// Shutdown drops all live bindings, including the noun catalog, so a later
// Init starts from a clean slate. The persisted catalog is untouched.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nouns = map[domain.NounID]*NounDef{}
	r.attrs = map[string]*domain.AttributeDef{}
	r.attrByID = map[int64]*domain.AttributeDef{}
	r.providerOrder = nil
	r.providerAttrs = map[string][]*domain.AttributeDef{}
	r.bindings = map[domain.NounID]map[string]*domain.AttributeDef{}
	r.initialized = false
}

func (r *Registry) RegisterNoun(def *NounDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.nouns[def.ID]; ok && existing != def {
		return fmt.Errorf("noun %d is already registered", def.ID)
	}
	r.nouns[def.ID] = def
	return nil
}

func (r *Registry) noun(id domain.NounID) (*NounDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.nouns[id]
	if !ok {
		// A provider/store mismatch; must not be silently ignored.
		return nil, fmt.Errorf("noun %d is not registered", id)
	}
	return def, nil
}

// ResolveNoun coerces a stored scalar into the noun's live representation.
// Resolving an unregistered noun is a configuration error.
func (r *Registry) ResolveNoun(id domain.NounID, stored any) (any, error) {
	def, err := r.noun(id)
	if err != nil {
		return nil, err
	}
	return def.Coerce(stored)
}

// PersistNoun converts a live value into the scalar form the datastore keeps.
func (r *Registry) PersistNoun(id domain.NounID, live any) (any, error) {
	def, err := r.noun(id)
	if err != nil {
		return nil, err
	}
	return def.Persist(live)
}

// DefineAttribute registers an attribute definition. Re-defining an existing
// bound attribute with identical typing returns the existing def; a def
// loaded from storage but not yet bound is bound in place; conflicting
// typing under an existing compound name fails loudly, since def identity is
// relied upon for storage correctness.
func (r *Registry) DefineAttribute(spec AttributeSpec) (*domain.AttributeDef, error) {
	if spec.Provider == nil {
		return nil, fmt.Errorf("attribute %s:%s needs a provider", spec.PluginName, spec.Name)
	}
	for _, nounID := range []domain.NounID{spec.SubjectNoun, spec.ObjectNoun} {
		if _, err := r.noun(nounID); err != nil {
			return nil, fmt.Errorf("invalid noun for attribute %s:%s: %w", spec.PluginName, spec.Name, err)
		}
	}
	if spec.ParameterNoun != 0 {
		if _, err := r.noun(spec.ParameterNoun); err != nil {
			return nil, fmt.Errorf("invalid parameter noun for attribute %s:%s: %w", spec.PluginName, spec.Name, err)
		}
	}

	compound := compoundName(spec.PluginName, spec.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.attrs[compound]; ok {
		if existing.Bound() {
			if existing.Provider != spec.Provider ||
				existing.SubjectNoun != spec.SubjectNoun ||
				existing.ObjectNoun != spec.ObjectNoun ||
				existing.ParameterNoun != spec.ParameterNoun ||
				existing.Cardinality != spec.Cardinality {
				return nil, fmt.Errorf("conflicting definition for attribute %s", compound)
			}
			return existing, nil
		}
		if existing.Type != spec.Type {
			return nil, fmt.Errorf("conflicting attribute type for %s: stored %d, defined %d", compound, existing.Type, spec.Type)
		}

		// Loaded from storage but not yet bound in this process; attach the
		// live provider and noun typing in place rather than duplicating.
		r.bindLocked(existing, spec)
		return existing, nil
	}

	def := &domain.AttributeDef{
		CompoundName: compound,
		Type:         spec.Type,
		PluginName:   spec.PluginName,
		Name:         spec.Name,
	}

	// Only unparameterized attributes get a persisted ID up front;
	// parameterized ones defer allocation to the first BindParameter.
	if spec.ParameterNoun == 0 {
		id, err := r.ds.CreateAttributeDef(spec.Type, spec.PluginName, spec.Name, nil)
		if err != nil {
			return nil, fmt.Errorf("could not persist attribute %s: %w", compound, err)
		}
		def.ID = id
		r.attrByID[id] = def
	}

	r.attrs[compound] = def
	r.bindLocked(def, spec)

	r.l.WithFields(logrus.Fields{"attribute": compound, "bind": spec.BindName}).Debug("Defined attribute")

	return def, nil
}

func (r *Registry) bindLocked(def *domain.AttributeDef, spec AttributeSpec) {
	def.Provider = spec.Provider
	def.SubjectNoun = spec.SubjectNoun
	def.ObjectNoun = spec.ObjectNoun
	def.ParameterNoun = spec.ParameterNoun
	def.Cardinality = spec.Cardinality
	def.BindName = spec.BindName

	attrType := spec.Type
	plugin := spec.PluginName
	name := spec.Name
	def.SetParameterAllocator(func(param string) (int64, error) {
		id, err := r.ds.CreateAttributeDef(attrType, plugin, name, &param)
		if err != nil {
			return 0, err
		}
		r.mu.Lock()
		r.attrByID[id] = def
		r.mu.Unlock()
		return id, nil
	})

	providerName := spec.Provider.Name()
	if _, seen := r.providerAttrs[providerName]; !seen {
		r.providerOrder = append(r.providerOrder, spec.Provider)
	}
	r.providerAttrs[providerName] = append(r.providerAttrs[providerName], def)

	if spec.BindName != "" {
		if r.bindings[spec.SubjectNoun] == nil {
			r.bindings[spec.SubjectNoun] = map[string]*domain.AttributeDef{}
		}
		r.bindings[spec.SubjectNoun][spec.BindName] = def
	}
}

// GetAttrDef looks an attribute definition up by its compound name.
func (r *Registry) GetAttrDef(pluginName, name string) (*domain.AttributeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.attrs[compoundName(pluginName, name)]
	return def, ok
}

// AttrByID resolves a (possibly parameter-bound) persisted attribute ID back
// to its definition.
func (r *Registry) AttrByID(id int64) (*domain.AttributeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.attrByID[id]
	return def, ok
}

// Providers returns the attribute providers in their fixed processing order.
func (r *Registry) Providers() []domain.AttributeProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	providers := make([]domain.AttributeProvider, len(r.providerOrder))
	copy(providers, r.providerOrder)
	return providers
}

// Access evaluates the bound accessor bindName on the given subject.
// Singular attributes yield the coerced value of the first instance or nil;
// multiple-cardinality attributes yield a coerced slice, empty if none.
// Parameterized attributes yield their coerced parameter values. Results are
// memoized on the subject; accessors are read-only, mutation goes through
// the providers and the pipeline.
func (r *Registry) Access(subject domain.AttrSubject, bindName string) (any, error) {
	r.mu.RLock()
	byName := r.bindings[subject.SubjectNoun()]
	def := byName[bindName]
	r.mu.RUnlock()
	if def == nil {
		return nil, fmt.Errorf("no attribute bound as %q on noun %d", bindName, subject.SubjectNoun())
	}

	if cached, ok := subject.CachedAttr(bindName); ok {
		return cached, nil
	}

	rows, err := r.ds.GetMessageAttributes(subject.SubjectID())
	if err != nil {
		return nil, fmt.Errorf("could not load attribute instances: %w", err)
	}

	values := []any{}
	for _, row := range rows {
		if def.Parameterized() {
			param, ok := def.ParameterForID(row.AttrID)
			if !ok {
				continue
			}
			v, err := r.ResolveNoun(def.ParameterNoun, param)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			continue
		}
		if row.AttrID != def.ID {
			continue
		}
		v, err := r.ResolveNoun(def.ObjectNoun, row.Value)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	if def.Cardinality == domain.Singular {
		var val any
		if len(values) > 0 {
			val = values[0]
		}
		subject.CacheAttr(bindName, val)
		return val, nil
	}

	subject.CacheAttr(bindName, values)
	return values, nil
}

func compoundName(pluginName, name string) string {
	return pluginName + ":" + name
}
