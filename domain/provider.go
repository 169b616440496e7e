// SPDX-License-Identifier: GPL-3.0-or-later
package domain

// AttributeProvider extracts attribute instances from one message. Providers
// run in a fixed order (fundamental before explicit before derived) because
// later providers may rely on fields the earlier ones attached to the live
// message. A provider must not write to the datastore; it reads the raw
// header and parsed MIME and returns tuples. Absent fields produce no tuple.
type AttributeProvider interface {
	Name() string
	Process(msg *Message, hdr *MessageHeader, mime *MimeMessage) ([]AttributeInstance, error)
}
