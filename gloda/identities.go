// SPDX-License-Identifier: GPL-3.0-or-later
package gloda

import (
	"fmt"

	"github.com/vivithecanine/gloda/domain"
	"github.com/vivithecanine/gloda/mail"
)

// IdentitiesForFullMailAddresses resolves a full mail address header value
// (ex: `"Bob Smith" <bob@smith.invalid>`) to the identities corresponding to
// each address, creating the backing contact and identity on first
// encounter. Deduplication is by (kind, value) identity lookup.
func IdentitiesForFullMailAddresses(ds domain.Datastore, fullAddresses string) ([]*domain.Identity, error) {
	parsed, err := mail.ParseAddresses(fullAddresses)
	if err != nil {
		return nil, err
	}

	identities := []*domain.Identity{}
	for _, address := range parsed {
		identity, err := ds.GetIdentity("email", address.Address)
		if err != nil {
			return nil, err
		}

		if identity == nil {
			contact, err := ds.CreateContact(address.Name)
			if err != nil {
				return nil, fmt.Errorf("could not create contact for %s: %w", address.Address, err)
			}

			// A blank description; there is nothing to differentiate this
			// identity from others yet, the contact only has the one.
			identity, err = ds.CreateIdentity(contact.ID, "email", address.Address, "")
			if err != nil {
				return nil, fmt.Errorf("could not create identity for %s: %w", address.Address, err)
			}
		}
		identities = append(identities, identity)
	}

	return identities, nil
}

// IdentityForFullMailAddress is the single-address variant; it fails when
// the header value does not contain exactly one address.
func IdentityForFullMailAddress(ds domain.Datastore, fullAddress string) (*domain.Identity, error) {
	identities, err := IdentitiesForFullMailAddresses(ds, fullAddress)
	if err != nil {
		return nil, err
	}
	if len(identities) != 1 {
		return nil, fmt.Errorf("expected exactly 1 address, got %d for address: %s", len(identities), fullAddress)
	}
	return identities[0], nil
}
