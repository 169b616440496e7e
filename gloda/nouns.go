// SPDX-License-Identifier: GPL-3.0-or-later
package gloda

import (
	"fmt"
	"time"

	"github.com/vivithecanine/gloda/domain"
)

// CoerceFunc turns a stored scalar (an integer ID, a raw microsecond
// timestamp) into a live value (a looked-up conversation, a time.Time).
type CoerceFunc func(stored any) (any, error)

// PersistFunc is the reverse direction: a live value down to the scalar the
// datastore keeps in attribute-instance rows.
type PersistFunc func(live any) (any, error)

// NounDef maps an abstract value kind to its native representation and the
// conversions between stored and live forms.
type NounDef struct {
	ID      domain.NounID
	Coerce  CoerceFunc
	Persist PersistFunc
}

func registerBuiltinNouns(r *Registry, ds domain.Datastore) error {
	nouns := []*NounDef{
		{
			ID: domain.NounBoolean,
			Coerce: func(stored any) (any, error) {
				n, err := asInt64(stored)
				if err != nil {
					return nil, err
				}
				return n != 0, nil
			},
			Persist: func(live any) (any, error) {
				switch v := live.(type) {
				case bool:
					if v {
						return int64(1), nil
					}
					return int64(0), nil
				case int64:
					return v, nil
				}
				return nil, fmt.Errorf("cannot persist %T as boolean", live)
			},
		},
		{
			ID: domain.NounDate,
			Coerce: func(stored any) (any, error) {
				micros, err := asInt64(stored)
				if err != nil {
					return nil, err
				}
				return time.UnixMicro(micros).UTC(), nil
			},
			Persist: func(live any) (any, error) {
				switch v := live.(type) {
				case time.Time:
					return v.UnixMicro(), nil
				case int64:
					return v, nil
				}
				return nil, fmt.Errorf("cannot persist %T as date", live)
			},
		},
		{
			ID:      domain.NounString,
			Coerce:  coerceString,
			Persist: persistString,
		},
		{
			ID:      domain.NounTag,
			Coerce:  coerceString,
			Persist: persistString,
		},
		{
			ID: domain.NounConversation,
			Coerce: func(stored any) (any, error) {
				id, err := asInt64(stored)
				if err != nil {
					return nil, err
				}
				return ds.GetConversationByID(id)
			},
			Persist: func(live any) (any, error) {
				switch v := live.(type) {
				case *domain.Conversation:
					return v.ID, nil
				case int64:
					return v, nil
				}
				return nil, fmt.Errorf("cannot persist %T as conversation", live)
			},
		},
		{
			ID: domain.NounMessage,
			Coerce: func(stored any) (any, error) {
				id, err := asInt64(stored)
				if err != nil {
					return nil, err
				}
				return ds.GetMessageByID(id)
			},
			Persist: func(live any) (any, error) {
				switch v := live.(type) {
				case *domain.Message:
					return v.ID, nil
				case int64:
					return v, nil
				}
				return nil, fmt.Errorf("cannot persist %T as message", live)
			},
		},
		{
			ID: domain.NounContact,
			Coerce: func(stored any) (any, error) {
				id, err := asInt64(stored)
				if err != nil {
					return nil, err
				}
				return ds.GetContactByID(id)
			},
			Persist: func(live any) (any, error) {
				switch v := live.(type) {
				case *domain.Contact:
					return v.ID, nil
				case int64:
					return v, nil
				}
				return nil, fmt.Errorf("cannot persist %T as contact", live)
			},
		},
		{
			ID: domain.NounIdentity,
			Coerce: func(stored any) (any, error) {
				id, err := asInt64(stored)
				if err != nil {
					return nil, err
				}
				return ds.GetIdentityByID(id)
			},
			Persist: func(live any) (any, error) {
				switch v := live.(type) {
				case *domain.Identity:
					return v.ID, nil
				case int64:
					return v, nil
				}
				return nil, fmt.Errorf("cannot persist %T as identity", live)
			},
		},
	}

	for _, noun := range nouns {
		if err := r.RegisterNoun(noun); err != nil {
			return err
		}
	}
	return nil
}

func coerceString(stored any) (any, error) {
	s, err := asString(stored)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func persistString(live any) (any, error) {
	switch v := live.(type) {
	case string:
		return v, nil
	}
	return nil, fmt.Errorf("cannot persist %T as string", live)
}

func asInt64(stored any) (int64, error) {
	switch v := stored.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("stored value %T is not integral", stored)
}

func asString(stored any) (string, error) {
	switch v := stored.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", fmt.Errorf("stored value %T is not a string", stored)
}
