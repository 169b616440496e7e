// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

// Message is an indexed message: a fact bag keyed by an internal ID. A
// message with no folder location is a ghost, a placeholder created from a
// References chain before the actual message was ever seen.
type Message struct {
	ID             int64
	FolderURI      *string
	MessageKey     *uint32
	ConversationID int64
	// HeaderMessageID is the RFC 5322 Message-ID header value, without
	// angle brackets.
	HeaderMessageID string

	attrCache map[string]any
}

// Ghost reports whether this row is a placeholder with no folder location.
func (m *Message) Ghost() bool {
	return m.FolderURI == nil
}

// MakeGhost strips the message's location, turning it back into a
// placeholder that keeps its conversation's shape intact.
func (m *Message) MakeGhost() {
	m.FolderURI = nil
	m.MessageKey = nil
}

// SubjectNoun implements AttrSubject.
func (m *Message) SubjectNoun() NounID { return NounMessage }

// SubjectID implements AttrSubject.
func (m *Message) SubjectID() int64 { return m.ID }

// CachedAttr returns the memoized value for a bound accessor, if present.
func (m *Message) CachedAttr(name string) (any, bool) {
	v, ok := m.attrCache[name]
	return v, ok
}

// CacheAttr memoizes a bound accessor value on this instance.
func (m *Message) CacheAttr(name string, v any) {
	if m.attrCache == nil {
		m.attrCache = map[string]any{}
	}
	m.attrCache[name] = v
}

// DropAttrCache discards all memoized accessor values, forcing the next
// access to reload from the datastore.
func (m *Message) DropAttrCache() {
	m.attrCache = nil
}

// AttrSubject is implemented by live objects that can carry bound attribute
// accessors.
type AttrSubject interface {
	SubjectNoun() NounID
	SubjectID() int64
	CachedAttr(name string) (any, bool)
	CacheAttr(name string, v any)
}

// Conversation groups the messages of one thread. Conversations never
// split, only grow.
type Conversation struct {
	ID      int64
	Subject string
}

// Contact is a person, derived from one or more identities.
type Contact struct {
	ID   int64
	Name string
}

// Identity is a single addressable endpoint owned by exactly one contact.
type Identity struct {
	ID          int64
	ContactID   int64
	Contact     *Contact
	Kind        string
	Value       string
	Description string
}

// MessageHeader is the nsMsgHdr-equivalent supplied by the raw message
// source: everything the threading algorithm and the explicit provider need
// without touching the body.
type MessageHeader struct {
	FolderURI  string
	MessageKey uint32

	MessageID string
	// References is ordered oldest ancestor first, per RFC 5322.
	References []string
	InReplyTo  string

	Subject string
	From    string
	To      []string
	Date    time.Time

	Starred bool
	Read    bool
	Tags    []string
}

// Ancestry returns the ancestor Message-ID chain, falling back to
// In-Reply-To when References is absent.
func (h *MessageHeader) Ancestry() []string {
	if len(h.References) > 0 {
		return h.References
	}
	if h.InReplyTo != "" {
		return []string{h.InReplyTo}
	}
	return nil
}

// Attachment describes one MIME attachment of a message.
type Attachment struct {
	Name     string
	MimeType string
}

// MimeMessage is the parsed MIME structure of a message, where available.
type MimeMessage struct {
	Subject     string
	Attachments []Attachment
}

// RawMessage is one undigested message as handed over by the raw message
// source, plus the folder state the explicit provider reads.
type RawMessage struct {
	FolderURI  string
	MessageKey uint32
	Raw        []byte

	Starred bool
	Read    bool
	Tags    []string
}
