// SPDX-License-Identifier: GPL-3.0-or-later
package gloda

import (
	"fmt"
	"sync"

	"github.com/vivithecanine/gloda/domain"
	"github.com/vivithecanine/gloda/log"

	"github.com/sirupsen/logrus"
)

// CollectionEventKind says what happened to a collection member.
type CollectionEventKind int

const (
	CollectionAdded CollectionEventKind = iota
	CollectionRemoved
)

type CollectionEvent struct {
	Kind    CollectionEventKind
	Message *domain.Message
}

// Collection is a live query result: it holds the messages matching the
// query at creation time and keeps tracking indexing events until Close. A
// newly indexed message that matches joins the collection, a deleted member
// leaves it.
type Collection struct {
	mu        sync.Mutex
	messages  []*domain.Message
	byID      map[int64]*domain.Message
	listeners []func(CollectionEvent)

	unsubscribe []func()
}

func newCollection(messages []*domain.Message) *Collection {
	coll := &Collection{
		messages: messages,
		byID:     make(map[int64]*domain.Message, len(messages)),
	}
	for _, msg := range messages {
		coll.byID[msg.ID] = msg
	}
	return coll
}

// Messages returns a snapshot of the current members.
func (coll *Collection) Messages() []*domain.Message {
	coll.mu.Lock()
	defer coll.mu.Unlock()
	messages := make([]*domain.Message, len(coll.messages))
	copy(messages, coll.messages)
	return messages
}

func (coll *Collection) Size() int {
	coll.mu.Lock()
	defer coll.mu.Unlock()
	return len(coll.messages)
}

func (coll *Collection) Contains(messageID int64) bool {
	coll.mu.Lock()
	defer coll.mu.Unlock()
	_, ok := coll.byID[messageID]
	return ok
}

// Subscribe registers a membership listener. Listeners run synchronously on
// the goroutine publishing the indexing event.
func (coll *Collection) Subscribe(listener func(CollectionEvent)) {
	coll.mu.Lock()
	defer coll.mu.Unlock()
	coll.listeners = append(coll.listeners, listener)
}

// Close detaches the collection from the event hub. The snapshot stays
// readable but no longer updates.
func (coll *Collection) Close() {
	coll.mu.Lock()
	unsubscribe := coll.unsubscribe
	coll.unsubscribe = nil
	coll.mu.Unlock()
	for _, unsub := range unsubscribe {
		unsub()
	}
}

func (coll *Collection) add(msg *domain.Message) {
	coll.mu.Lock()
	if _, ok := coll.byID[msg.ID]; ok {
		// Re-index of an existing member; keep the freshest object.
		coll.byID[msg.ID] = msg
		for i := range coll.messages {
			if coll.messages[i].ID == msg.ID {
				coll.messages[i] = msg
			}
		}
		coll.mu.Unlock()
		return
	}
	coll.messages = append(coll.messages, msg)
	coll.byID[msg.ID] = msg
	listeners := make([]func(CollectionEvent), len(coll.listeners))
	copy(listeners, coll.listeners)
	coll.mu.Unlock()

	for _, listener := range listeners {
		listener(CollectionEvent{Kind: CollectionAdded, Message: msg})
	}
}

func (coll *Collection) remove(messageID int64) {
	coll.mu.Lock()
	msg, ok := coll.byID[messageID]
	if !ok {
		coll.mu.Unlock()
		return
	}
	delete(coll.byID, messageID)
	for i := range coll.messages {
		if coll.messages[i].ID == messageID {
			coll.messages = append(coll.messages[:i], coll.messages[i+1:]...)
			break
		}
	}
	listeners := make([]func(CollectionEvent), len(coll.listeners))
	copy(listeners, coll.listeners)
	coll.mu.Unlock()

	for _, listener := range listeners {
		listener(CollectionEvent{Kind: CollectionRemoved, Message: msg})
	}
}

// QueryEngine evaluates attribute queries against the store and hands back
// live collections.
type QueryEngine struct {
	ds  domain.Datastore
	reg *Registry
	hub *Hub
	l   *logrus.Logger
}

func NewQueryEngine(ds domain.Datastore, reg *Registry, hub *Hub) *QueryEngine {
	return &QueryEngine{
		ds:  ds,
		reg: reg,
		hub: hub,
		l:   log.Logger(log.LOG_QUERY),
	}
}

// MessageByID fetches one message without touching the attribute tables.
func (q *QueryEngine) MessageByID(id int64) (*domain.Message, error) {
	return q.ds.GetMessageByID(id)
}

// MessagesAPV runs a conjunction of attribute predicates. Predicates are
// validated up front; an unknown or unbound attribute is a caller bug and
// fails before any storage work. Ghosts never appear in results. The
// returned collection tracks indexing events until closed.
func (q *QueryEngine) MessagesAPV(predicates []domain.APVPredicate) (*Collection, error) {
	clauses, err := q.resolvePredicates(predicates)
	if err != nil {
		return nil, err
	}

	messages, err := q.ds.QueryMessagesAPV(clauses)
	if err != nil {
		return nil, fmt.Errorf("could not run query: %w", err)
	}

	coll := newCollection(messages)

	unsubIndexed := q.hub.Subscribe(TopicMessageIndexed, func(event Event) {
		if q.matchesPredicates(event.Instances, predicates) {
			coll.add(event.Message)
		} else {
			// A re-index can move a member out of the result set.
			coll.remove(event.Message.ID)
		}
	})
	unsubDeleted := q.hub.Subscribe(TopicMessageDeleted, func(event Event) {
		coll.remove(event.Message.ID)
	})
	coll.unsubscribe = []func(){unsubIndexed, unsubDeleted}

	q.l.WithFields(logrus.Fields{"predicates": len(predicates), "matches": len(messages)}).Debug("Query evaluated")

	return coll, nil
}

// resolvePredicates lowers engine predicates to stored-form clauses. A
// parameterized predicate whose parameter was never bound cannot match
// anything and produces a clause with no attribute IDs, which the store
// short-circuits to an empty result.
func (q *QueryEngine) resolvePredicates(predicates []domain.APVPredicate) ([]domain.APVClause, error) {
	clauses := make([]domain.APVClause, 0, len(predicates))
	for _, pred := range predicates {
		if pred.Attr == nil {
			return nil, fmt.Errorf("query predicate without attribute")
		}
		if !pred.Attr.Bound() {
			return nil, fmt.Errorf("attribute %s is not bound to a provider", pred.Attr.CompoundName)
		}

		clause := domain.APVClause{}

		if pred.Parameter != nil {
			if !pred.Attr.Parameterized() {
				return nil, fmt.Errorf("attribute %s does not take a parameter", pred.Attr.CompoundName)
			}
			stored, err := q.reg.PersistNoun(pred.Attr.ParameterNoun, pred.Parameter)
			if err != nil {
				return nil, err
			}
			if id, ok := pred.Attr.ParameterID(fmt.Sprint(stored)); ok {
				clause.AttributeIDs = []int64{id}
			}
			// No binding: leave AttributeIDs empty.
		} else if pred.Attr.Parameterized() {
			clause.AttributeIDs = pred.Attr.AllIDs()
		} else {
			clause.AttributeIDs = []int64{pred.Attr.ID}
		}

		if pred.Presence {
			clauses = append(clauses, clause)
			continue
		}

		for _, value := range pred.Values {
			stored, err := q.reg.PersistNoun(pred.Attr.ObjectNoun, value)
			if err != nil {
				return nil, err
			}
			clause.Values = append(clause.Values, stored)
		}
		if pred.RangeLo != nil {
			stored, err := q.reg.PersistNoun(pred.Attr.ObjectNoun, pred.RangeLo)
			if err != nil {
				return nil, err
			}
			clause.RangeLo = stored
		}
		if pred.RangeHi != nil {
			stored, err := q.reg.PersistNoun(pred.Attr.ObjectNoun, pred.RangeHi)
			if err != nil {
				return nil, err
			}
			clause.RangeHi = stored
		}

		clauses = append(clauses, clause)
	}
	return clauses, nil
}

// matchesPredicates evaluates the predicates against a freshly produced
// instance set, in stored scalar form so comparisons match what the store
// would do.
func (q *QueryEngine) matchesPredicates(instances []domain.AttributeInstance, predicates []domain.APVPredicate) bool {
	for _, pred := range predicates {
		if !q.matchesPredicate(instances, pred) {
			return false
		}
	}
	return true
}

func (q *QueryEngine) matchesPredicate(instances []domain.AttributeInstance, pred domain.APVPredicate) bool {
	for _, instance := range instances {
		if instance.Attr != pred.Attr {
			continue
		}

		if pred.Parameter != nil {
			storedWant, err := q.reg.PersistNoun(pred.Attr.ParameterNoun, pred.Parameter)
			if err != nil {
				continue
			}
			storedGot, err := q.reg.PersistNoun(pred.Attr.ParameterNoun, instance.Parameter)
			if err != nil {
				continue
			}
			if fmt.Sprint(storedGot) != fmt.Sprint(storedWant) {
				continue
			}
		}

		if pred.Presence {
			return true
		}

		stored, err := q.reg.PersistNoun(pred.Attr.ObjectNoun, instance.Value)
		if err != nil {
			continue
		}

		if pred.RangeLo != nil || pred.RangeHi != nil {
			if !inRange(stored, pred, q.reg) {
				continue
			}
			return true
		}

		if len(pred.Values) == 0 {
			return true
		}
		for _, value := range pred.Values {
			storedWant, err := q.reg.PersistNoun(pred.Attr.ObjectNoun, value)
			if err != nil {
				continue
			}
			if storedEqual(stored, storedWant) {
				return true
			}
		}
	}
	return false
}

func inRange(stored any, pred domain.APVPredicate, reg *Registry) bool {
	got, ok := storedInt(stored)
	if !ok {
		return false
	}
	if pred.RangeLo != nil {
		lo, err := reg.PersistNoun(pred.Attr.ObjectNoun, pred.RangeLo)
		if err != nil {
			return false
		}
		if loInt, ok := storedInt(lo); !ok || got < loInt {
			return false
		}
	}
	if pred.RangeHi != nil {
		hi, err := reg.PersistNoun(pred.Attr.ObjectNoun, pred.RangeHi)
		if err != nil {
			return false
		}
		if hiInt, ok := storedInt(hi); !ok || got > hiInt {
			return false
		}
	}
	return true
}

func storedInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func storedEqual(a, b any) bool {
	aInt, aOK := storedInt(a)
	bInt, bOK := storedInt(b)
	if aOK && bOK {
		return aInt == bInt
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
