// SPDX-License-Identifier: GPL-3.0-or-later
package domain

// Datastore is the persisted fact store the engine reads and writes. All
// durable encoding is the datastore's responsibility; the engine only sees
// live objects and stored scalars. Lookups return (nil, nil) when nothing
// matches.
type Datastore interface {
	Close() error

	// Attribute catalog. GetAllAttributes loads the persisted defs at
	// startup so IDs stay stable across runs; CreateAttributeDef allocates
	// a new persisted ID, with a non-nil parameter for parameter-bound
	// variants.
	GetAllAttributes() ([]StoredAttributeDef, error)
	CreateAttributeDef(attrType AttrType, pluginName, name string, parameter *string) (int64, error)

	// Contacts and identities.
	GetContactByID(id int64) (*Contact, error)
	CreateContact(name string) (*Contact, error)
	GetIdentityByID(id int64) (*Identity, error)
	GetIdentity(kind, value string) (*Identity, error)
	CreateIdentity(contactID int64, kind, value, description string) (*Identity, error)

	// Conversations.
	CreateConversation(subject string) (*Conversation, error)
	GetConversationByID(id int64) (*Conversation, error)
	GetMessagesByConversationID(id int64, includeGhosts bool) ([]*Message, error)
	DeleteConversationByID(id int64) error
	DeleteMessagesByConversationID(id int64) error

	// Messages. CreateMessage with a nil folderURI creates a ghost.
	CreateMessage(folderURI *string, messageKey *uint32, conversationID int64, headerMessageID string) (*Message, error)
	UpdateMessage(m *Message) error
	GetMessageByID(id int64) (*Message, error)
	GetMessageFromLocation(folderURI string, messageKey uint32) (*Message, error)
	GetMessageByMessageID(headerMessageID string) (*Message, error)
	// GetMessagesByMessageID returns one (possibly empty) slice per input
	// header Message-ID, preserving order.
	GetMessagesByMessageID(headerMessageIDs []string) ([][]*Message, error)
	DeleteMessageByID(id int64) error
	// UpdateMessageLocations moves messages to a new folder, purging their
	// message keys (the new keys are unknown until reindexing).
	UpdateMessageLocations(oldFolderURI string, messageKeys []uint32, newFolderURI string) error
	RenameFolder(oldFolderURI, newFolderURI string) error

	// Attribute instances. InsertMessageAttributes replaces the message's
	// full instance set in one transaction; readers never observe a
	// half-written set.
	InsertMessageAttributes(m *Message, rows []StoredAttribute) error
	ClearMessageAttributes(m *Message) error
	GetMessageAttributes(messageID int64) ([]StoredAttribute, error)

	// QueryMessagesAPV evaluates ANDed APV clauses over the instance rows
	// and returns the matching messages.
	QueryMessagesAPV(clauses []APVClause) ([]*Message, error)
}
