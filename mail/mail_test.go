// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name       string
		messageID  string
		references []string
		inReplyTo  string
		subject    string
		to         int
		err        string
	}{
		{"reply.eml", "child@made.up.invalid", []string{"root@made.up.invalid", "middle@made.up.invalid"}, "middle@made.up.invalid", "Re: Got a deal for you", 2, ""},
		{"nonascii.eml", "nonascii@made.up.invalid", []string{}, "", "M¥ RêÐ Çå§ïñð", 1, ""},
		{"noid.eml", "", nil, "", "", 0, "Message-Id header not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rawMail, err := os.ReadFile(path.Join("testdata", tc.name))
			assert.NoError(t, err)
			hdr, err := ParseHeader(rawMail)

			if len(tc.err) == 0 {
				assert.NoError(t, err)
				assert.Equal(t, tc.messageID, hdr.MessageID)
				assert.Equal(t, tc.references, hdr.References)
				assert.Equal(t, tc.inReplyTo, hdr.InReplyTo)
				assert.Equal(t, tc.subject, hdr.Subject)
				assert.Len(t, hdr.To, tc.to)
				assert.False(t, hdr.Date.IsZero())
			} else {
				assert.Nil(t, hdr)
				assert.EqualError(t, err, tc.err)
			}
		})
	}
}

func TestParseMime(t *testing.T) {
	tests := []struct {
		name        string
		attachments int
		filename    string
		mimeType    string
	}{
		{"attachment.eml", 1, "bob.txt", "text/plain"},
		{"reply.eml", 0, "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rawMail, err := os.ReadFile(path.Join("testdata", tc.name))
			assert.NoError(t, err)

			parsed, err := ParseMime(rawMail)
			assert.NoError(t, err)
			assert.Len(t, parsed.Attachments, tc.attachments)
			if tc.attachments > 0 {
				assert.Equal(t, tc.filename, parsed.Attachments[0].Name)
				assert.Equal(t, tc.mimeType, parsed.Attachments[0].MimeType)
			}
		})
	}
}

func TestParseReferences(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected []string
	}{
		{"empty", "", []string{}},
		{"single", "<a@b.invalid>", []string{"a@b.invalid"}},
		{"multiple", "<a@b.invalid> <c@d.invalid>", []string{"a@b.invalid", "c@d.invalid"}},
		{"folded", "<a@b.invalid>\r\n <c@d.invalid>", []string{"a@b.invalid", "c@d.invalid"}},
		{"garbage", "not a reference", []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseReferences(tc.header))
		})
	}
}

func TestParseAddresses(t *testing.T) {
	addresses, err := ParseAddresses(`"Bob Smith" <bob@smith.invalid>, alice@example.invalid`)
	assert.NoError(t, err)
	assert.Len(t, addresses, 2)
	assert.Equal(t, "Bob Smith", addresses[0].Name)
	assert.Equal(t, "bob@smith.invalid", addresses[0].Address)
	assert.Equal(t, "alice@example.invalid", addresses[1].Address)
}

func TestStripAngles(t *testing.T) {
	assert.Equal(t, "a@b.invalid", StripAngles("<a@b.invalid>"))
	assert.Equal(t, "a@b.invalid", StripAngles(" <a@b.invalid> "))
	assert.Equal(t, "a@b.invalid", StripAngles("a@b.invalid"))
}
