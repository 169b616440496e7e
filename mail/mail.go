// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	stdmail "net/mail"
	"strings"

	"github.com/vivithecanine/gloda/domain"

	"github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// ParseHeader extracts the threading- and identity-relevant headers from a
// raw RFC 5322 message. Subject and address display names are RFC 2047
// decoded.
func ParseHeader(raw []byte) (*domain.MessageHeader, error) {
	msg, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("could not parse mail: %w", err)
	}

	messageID := StripAngles(msg.Header.Get("Message-Id"))
	if messageID == "" {
		return nil, fmt.Errorf("Message-Id header not found")
	}

	dec := &mime.WordDecoder{
		CharsetReader: charset.Reader,
	}
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		return nil, fmt.Errorf("could not decode subject header: %w", err)
	}

	hdr := &domain.MessageHeader{
		MessageID:  messageID,
		References: ParseReferences(msg.Header.Get("References")),
		InReplyTo:  StripAngles(msg.Header.Get("In-Reply-To")),
		Subject:    subject,
		From:       msg.Header.Get("From"),
		To:         splitAddressHeader(msg.Header.Get("To")),
	}

	date, err := msg.Header.Date()
	if err == nil {
		hdr.Date = date
	}

	return hdr, nil
}

// ParseMime walks a raw message's MIME structure and collects the attachment
// name/type lists. Messages without attachments yield an empty list, and a
// body that cannot be fully walked yields whatever was collected up to the
// failure.
func ParseMime(raw []byte) (*domain.MimeMessage, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("could not open mime reader: %w", err)
	}

	parsed := &domain.MimeMessage{Attachments: []domain.Attachment{}}

	subject, err := mr.Header.Subject()
	if err == nil {
		parsed.Subject = subject
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return parsed, fmt.Errorf("could not walk mime parts: %w", err)
		}

		h, ok := p.Header.(*gomail.AttachmentHeader)
		if !ok {
			continue
		}

		filename, err := h.Filename()
		if err != nil {
			continue
		}
		mimeType, _, err := h.ContentType()
		if err != nil {
			continue
		}

		parsed.Attachments = append(parsed.Attachments, domain.Attachment{
			Name:     filename,
			MimeType: mimeType,
		})
	}

	return parsed, nil
}

// ParseAddresses parses a full address header value (for example
// `"Bob Smith" <bob@smith.invalid>, alice@example.invalid`) into its
// individual addresses with decoded display names.
func ParseAddresses(full string) ([]*stdmail.Address, error) {
	if strings.TrimSpace(full) == "" {
		return nil, nil
	}

	parser := stdmail.AddressParser{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}
	addresses, err := parser.ParseList(full)
	if err != nil {
		return nil, fmt.Errorf("could not parse address list %q: %w", full, err)
	}

	return addresses, nil
}

// ParseReferences splits a References header value into its ordered list of
// Message-IDs, oldest ancestor first.
func ParseReferences(header string) []string {
	refs := []string{}
	for {
		start := strings.IndexByte(header, '<')
		if start == -1 {
			break
		}
		end := strings.IndexByte(header[start:], '>')
		if end == -1 {
			break
		}
		refs = append(refs, header[start+1:start+end])
		header = header[start+end+1:]
	}
	return refs
}

// StripAngles removes the angle brackets around a Message-ID header value.
func StripAngles(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// splitAddressHeader keeps each recipient as its own full address string so
// identity resolution can process them individually.
func splitAddressHeader(header string) []string {
	addresses, err := ParseAddresses(header)
	if err != nil || len(addresses) == 0 {
		if strings.TrimSpace(header) == "" {
			return nil
		}
		return []string{header}
	}

	out := make([]string, len(addresses))
	for i, a := range addresses {
		out[i] = a.String()
	}
	return out
}

func ShortSubject(subject string) string {
	if (len(subject)) > 30 {
		subject = subject[:30] + "..."
	}
	return subject
}
