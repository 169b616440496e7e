// SPDX-License-Identifier: GPL-3.0-or-later
package gloda

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vivithecanine/gloda/datastore"
	"github.com/vivithecanine/gloda/domain"
	"github.com/vivithecanine/gloda/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	TEST_FOLDER_A = "folder://inbox"
	TEST_FOLDER_B = "folder://archive"
)

type engine struct {
	ds  *datastore.Datastore
	reg *Registry
	hub *Hub
	ix  *Indexer
}

func setupEngine(t *testing.T) *engine {
	log.InitLogging("error")

	ds, err := datastore.NewDatastore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	reg := NewRegistry(ds)
	require.NoError(t, reg.Init())

	fundattr := NewFundamentalAttr(reg, ds)
	require.NoError(t, fundattr.DefineAttributes())
	explattr := NewExplicitAttr(reg)
	require.NoError(t, explattr.DefineAttributes())

	hub := NewHub()
	ix, err := NewIndexer(ds, reg, hub)
	require.NoError(t, err)

	return &engine{ds: ds, reg: reg, hub: hub, ix: ix}
}

func header(messageID string, references []string, key uint32) *domain.MessageHeader {
	return &domain.MessageHeader{
		FolderURI:  TEST_FOLDER_A,
		MessageKey: key,
		MessageID:  messageID,
		References: references,
		Subject:    "Got a deal for you",
		From:       `"Bob Smith" <bob@smith.invalid>`,
		To:         []string{"alice@example.invalid"},
		Date:       time.Date(2024, 2, 12, 10, 30, 0, 0, time.UTC),
	}
}

// stubProvider stands in for an external attribute plugin.
type stubProvider struct {
	name    string
	attribs []domain.AttributeInstance
	err     error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Process(msg *domain.Message, hdr *domain.MessageHeader, mime *domain.MimeMessage) ([]domain.AttributeInstance, error) {
	return s.attribs, s.err
}

func TestThreadingPermutations(t *testing.T) {
	// A three-deep thread: root <- middle <- child. Whatever order the
	// messages arrive in, they end up in one conversation with no leftover
	// ghosts.
	build := func() []*domain.MessageHeader {
		return []*domain.MessageHeader{
			header("root@made.up.invalid", nil, 1),
			header("middle@made.up.invalid", []string{"root@made.up.invalid"}, 2),
			header("child@made.up.invalid", []string{"root@made.up.invalid", "middle@made.up.invalid"}, 3),
		}
	}

	permutations := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}

	for _, perm := range permutations {
		t.Run(fmt.Sprintf("%v", perm), func(t *testing.T) {
			e := setupEngine(t)
			headers := build()

			indexed := []*domain.Message{}
			for _, i := range perm {
				msg, err := e.ix.IndexMessage(headers[i], nil)
				require.NoError(t, err)
				indexed = append(indexed, msg)
			}

			conversationID := indexed[0].ConversationID
			for _, msg := range indexed {
				assert.Equal(t, conversationID, msg.ConversationID)
			}

			all, err := e.ds.GetMessagesByConversationID(conversationID, true)
			assert.NoError(t, err)
			assert.Len(t, all, 3)
			for _, msg := range all {
				assert.False(t, msg.Ghost())
			}
		})
	}
}

func TestMissingIntermediaryLeavesGhost(t *testing.T) {
	e := setupEngine(t)

	root, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)

	child, err := e.ix.IndexMessage(header("child@made.up.invalid", []string{"root@made.up.invalid", "middle@made.up.invalid"}, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, root.ConversationID, child.ConversationID)

	all, err := e.ds.GetMessagesByConversationID(root.ConversationID, true)
	assert.NoError(t, err)
	require.Len(t, all, 3)

	ghosts := 0
	for _, msg := range all {
		if msg.Ghost() {
			ghosts++
			assert.Equal(t, "middle@made.up.invalid", msg.HeaderMessageID)
		}
	}
	assert.Equal(t, 1, ghosts)

	// The intermediary finally arrives and takes over its ghost row.
	middle, err := e.ix.IndexMessage(header("middle@made.up.invalid", []string{"root@made.up.invalid"}, 3), nil)
	require.NoError(t, err)
	assert.Equal(t, root.ConversationID, middle.ConversationID)

	all, err = e.ds.GetMessagesByConversationID(root.ConversationID, true)
	assert.NoError(t, err)
	assert.Len(t, all, 3)
	for _, msg := range all {
		assert.False(t, msg.Ghost())
	}
}

func TestSiblingsWithoutParentShareConversation(t *testing.T) {
	e := setupEngine(t)

	first, err := e.ix.IndexMessage(header("reply1@made.up.invalid", []string{"root@made.up.invalid"}, 1), nil)
	require.NoError(t, err)
	second, err := e.ix.IndexMessage(header("reply2@made.up.invalid", []string{"root@made.up.invalid"}, 2), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, second.ConversationID)

	all, err := e.ds.GetMessagesByConversationID(first.ConversationID, true)
	assert.NoError(t, err)
	require.Len(t, all, 3)

	ghosts := 0
	for _, msg := range all {
		if msg.Ghost() {
			ghosts++
			assert.Equal(t, "root@made.up.invalid", msg.HeaderMessageID)
		}
	}
	assert.Equal(t, 1, ghosts)
}

func TestDuplicateReferencesCollapse(t *testing.T) {
	e := setupEngine(t)

	root, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)

	// The parent cited twice is still one logical slot; no ghost twin of
	// the already-known root may appear.
	child, err := e.ix.IndexMessage(header("child@made.up.invalid", []string{"root@made.up.invalid", "root@made.up.invalid"}, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, root.ConversationID, child.ConversationID)

	all, err := e.ds.GetMessagesByConversationID(root.ConversationID, true)
	assert.NoError(t, err)
	require.Len(t, all, 2)
	for _, msg := range all {
		assert.False(t, msg.Ghost())
	}
}

func TestSelfReferenceIgnored(t *testing.T) {
	e := setupEngine(t)

	msg, err := e.ix.IndexMessage(header("loop@made.up.invalid", []string{"loop@made.up.invalid"}, 1), nil)
	require.NoError(t, err)

	all, err := e.ds.GetMessagesByConversationID(msg.ConversationID, true)
	assert.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Ghost())
	assert.Equal(t, msg.ID, all[0].ID)
}

func TestInReplyToFallback(t *testing.T) {
	e := setupEngine(t)

	root, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)

	hdr := header("reply@made.up.invalid", nil, 2)
	hdr.InReplyTo = "root@made.up.invalid"
	reply, err := e.ix.IndexMessage(hdr, nil)
	require.NoError(t, err)

	assert.Equal(t, root.ConversationID, reply.ConversationID)
}

func TestReindexIsIdempotent(t *testing.T) {
	e := setupEngine(t)

	first, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)
	attrs, err := e.ds.GetMessageAttributes(first.ID)
	require.NoError(t, err)

	second, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	attrsAfter, err := e.ds.GetMessageAttributes(first.ID)
	assert.NoError(t, err)
	assert.Len(t, attrsAfter, len(attrs))

	all, err := e.ds.GetMessagesByConversationID(first.ConversationID, true)
	assert.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestExplicitToggle(t *testing.T) {
	e := setupEngine(t)

	hdr := header("root@made.up.invalid", nil, 1)
	hdr.Starred = true
	msg, err := e.ix.IndexMessage(hdr, nil)
	require.NoError(t, err)

	starred, err := e.reg.Access(msg, "starred")
	assert.NoError(t, err)
	assert.Equal(t, true, starred)

	starDef, ok := e.reg.GetAttrDef(domain.BuiltIn, "star")
	require.True(t, ok)
	countStarInstances := func(messageID int64) int {
		rows, err := e.ds.GetMessageAttributes(messageID)
		require.NoError(t, err)
		count := 0
		for _, row := range rows {
			if row.AttrID == starDef.ID {
				count++
			}
		}
		return count
	}
	assert.Equal(t, 1, countStarInstances(msg.ID))

	// Unstar: still exactly one instance, now false.
	hdr.Starred = false
	msg, err = e.ix.IndexMessage(hdr, nil)
	require.NoError(t, err)
	starred, err = e.reg.Access(msg, "starred")
	assert.NoError(t, err)
	assert.Equal(t, false, starred)
	assert.Equal(t, 1, countStarInstances(msg.ID))

	// And back again, reading through a cold-loaded message object.
	hdr.Starred = true
	msg, err = e.ix.IndexMessage(hdr, nil)
	require.NoError(t, err)

	reloaded, err := e.ds.GetMessageByID(msg.ID)
	require.NoError(t, err)
	starred, err = e.reg.Access(reloaded, "starred")
	assert.NoError(t, err)
	assert.Equal(t, true, starred)
	assert.Equal(t, 1, countStarInstances(msg.ID))

	// The read flag toggles the same way.
	for _, want := range []bool{true, false, true} {
		hdr.Read = want
		msg, err = e.ix.IndexMessage(hdr, nil)
		require.NoError(t, err)
		read, err := e.reg.Access(msg, "read")
		assert.NoError(t, err)
		assert.Equal(t, want, read)
	}
}

func TestTagsRoundtrip(t *testing.T) {
	e := setupEngine(t)

	hdr := header("root@made.up.invalid", nil, 1)
	hdr.Tags = []string{"$label1", "$label4"}
	msg, err := e.ix.IndexMessage(hdr, nil)
	require.NoError(t, err)

	reloaded, err := e.ds.GetMessageByID(msg.ID)
	require.NoError(t, err)
	tags, err := e.reg.Access(reloaded, "tags")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []any{"$label1", "$label4"}, tags)

	// Parameter-bound IDs stay stable on re-index.
	tagDef, ok := e.reg.GetAttrDef(domain.BuiltIn, "tag")
	require.True(t, ok)
	firstID, ok := tagDef.ParameterID("$label1")
	require.True(t, ok)

	_, err = e.ix.IndexMessage(hdr, nil)
	require.NoError(t, err)
	secondID, ok := tagDef.ParameterID("$label1")
	require.True(t, ok)
	assert.Equal(t, firstID, secondID)
}

func TestFundamentalAttributes(t *testing.T) {
	e := setupEngine(t)

	hdr := header("root@made.up.invalid", nil, 1)
	hdr.To = []string{`alice@example.invalid, "Carol Jones" <carol@jones.invalid>`}
	mime := &domain.MimeMessage{
		Attachments: []domain.Attachment{{Name: "bob.txt", MimeType: "text/plain"}},
	}
	msg, err := e.ix.IndexMessage(hdr, mime)
	require.NoError(t, err)

	reloaded, err := e.ds.GetMessageByID(msg.ID)
	require.NoError(t, err)

	subject, err := e.reg.Access(reloaded, "subject")
	assert.NoError(t, err)
	assert.Equal(t, "Got a deal for you", subject)

	date, err := e.reg.Access(reloaded, "date")
	assert.NoError(t, err)
	require.IsType(t, time.Time{}, date)
	assert.True(t, hdr.Date.Equal(date.(time.Time)))

	from, err := e.reg.Access(reloaded, "from")
	assert.NoError(t, err)
	require.IsType(t, &domain.Identity{}, from)
	assert.Equal(t, "bob@smith.invalid", from.(*domain.Identity).Value)
	assert.Equal(t, "Bob Smith", from.(*domain.Identity).Contact.Name)

	to, err := e.reg.Access(reloaded, "to")
	assert.NoError(t, err)
	require.Len(t, to, 2)

	conversation, err := e.reg.Access(reloaded, "conversation")
	assert.NoError(t, err)
	require.IsType(t, &domain.Conversation{}, conversation)
	assert.Equal(t, msg.ConversationID, conversation.(*domain.Conversation).ID)

	attachmentTypes, err := e.reg.Access(reloaded, "attachmentTypes")
	assert.NoError(t, err)
	assert.Equal(t, []any{"text/plain"}, attachmentTypes)

	attachmentNames, err := e.reg.Access(reloaded, "attachmentNames")
	assert.NoError(t, err)
	assert.Equal(t, []any{"bob.txt"}, attachmentNames)

	// The sender identity is deduplicated on the next encounter.
	hdr2 := header("other@made.up.invalid", nil, 2)
	msg2, err := e.ix.IndexMessage(hdr2, nil)
	require.NoError(t, err)
	from2, err := e.reg.Access(msg2, "from")
	assert.NoError(t, err)
	assert.Equal(t, from.(*domain.Identity).ID, from2.(*domain.Identity).ID)
}

func TestProviderFailureKeepsPreviousAttributes(t *testing.T) {
	e := setupEngine(t)

	hdr := header("root@made.up.invalid", nil, 1)
	msg, err := e.ix.IndexMessage(hdr, nil)
	require.NoError(t, err)
	attrs, err := e.ds.GetMessageAttributes(msg.ID)
	require.NoError(t, err)
	require.NotEmpty(t, attrs)

	failing := &stubProvider{name: "failing", err: fmt.Errorf("plugin exploded")}
	_, err = e.reg.DefineAttribute(AttributeSpec{
		Provider:    failing,
		Type:        domain.AttrDerived,
		PluginName:  "failing",
		Name:        "noop",
		Cardinality: domain.Singular,
		SubjectNoun: domain.NounMessage,
		ObjectNoun:  domain.NounBoolean,
	})
	require.NoError(t, err)

	_, err = e.ix.IndexMessage(hdr, nil)
	assert.ErrorContains(t, err, "plugin exploded")

	attrsAfter, err := e.ds.GetMessageAttributes(msg.ID)
	assert.NoError(t, err)
	assert.Len(t, attrsAfter, len(attrs))
}

func TestMovePreservesConversation(t *testing.T) {
	e := setupEngine(t)

	root, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)
	reply, err := e.ix.IndexMessage(header("reply@made.up.invalid", []string{"root@made.up.invalid"}, 2), nil)
	require.NoError(t, err)
	require.Equal(t, root.ConversationID, reply.ConversationID)

	err = e.ix.MessageMoved(TEST_FOLDER_A, []uint32{2}, TEST_FOLDER_B)
	assert.NoError(t, err)

	moved, err := e.ds.GetMessageByID(reply.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.FolderURI)
	assert.Equal(t, TEST_FOLDER_B, *moved.FolderURI)
	assert.Nil(t, moved.MessageKey)
	assert.Equal(t, root.ConversationID, moved.ConversationID)

	// Re-indexing at the new location updates the existing row instead of
	// creating a second message.
	hdr := header("reply@made.up.invalid", []string{"root@made.up.invalid"}, 9)
	hdr.FolderURI = TEST_FOLDER_B
	reindexed, err := e.ix.IndexMessage(hdr, nil)
	require.NoError(t, err)
	assert.Equal(t, reply.ID, reindexed.ID)
	assert.Equal(t, root.ConversationID, reindexed.ConversationID)
}

func TestFolderRenamed(t *testing.T) {
	e := setupEngine(t)

	msg, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)

	err = e.ix.FolderRenamed(TEST_FOLDER_A, "folder://renamed")
	assert.NoError(t, err)

	renamed, err := e.ds.GetMessageByID(msg.ID)
	require.NoError(t, err)
	require.NotNil(t, renamed.FolderURI)
	assert.Equal(t, "folder://renamed", *renamed.FolderURI)
}

func TestDeleteLastMessageNukesConversation(t *testing.T) {
	e := setupEngine(t)

	msg, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)

	err = e.ix.DeleteMessage(msg)
	assert.NoError(t, err)

	gone, err := e.ds.GetMessageByID(msg.ID)
	assert.NoError(t, err)
	assert.Nil(t, gone)

	conversation, err := e.ds.GetConversationByID(msg.ConversationID)
	assert.NoError(t, err)
	assert.Nil(t, conversation)
}

func TestDeleteWithRepliesLeavesGhost(t *testing.T) {
	e := setupEngine(t)

	root, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)
	reply, err := e.ix.IndexMessage(header("reply@made.up.invalid", []string{"root@made.up.invalid"}, 2), nil)
	require.NoError(t, err)

	err = e.ix.DeleteMessage(root)
	assert.NoError(t, err)

	ghosted, err := e.ds.GetMessageByID(root.ID)
	require.NoError(t, err)
	require.NotNil(t, ghosted)
	assert.True(t, ghosted.Ghost())
	assert.Equal(t, reply.ConversationID, ghosted.ConversationID)

	attrs, err := e.ds.GetMessageAttributes(root.ID)
	assert.NoError(t, err)
	assert.Empty(t, attrs)

	conversation, err := e.ds.GetConversationByID(reply.ConversationID)
	assert.NoError(t, err)
	assert.NotNil(t, conversation)
}

func TestDeleteTwinDropsRow(t *testing.T) {
	e := setupEngine(t)

	original, err := e.ix.IndexMessage(header("root@made.up.invalid", nil, 1), nil)
	require.NoError(t, err)
	_, err = e.ix.IndexMessage(header("reply@made.up.invalid", []string{"root@made.up.invalid"}, 2), nil)
	require.NoError(t, err)

	twinHdr := header("root@made.up.invalid", nil, 1)
	twinHdr.FolderURI = TEST_FOLDER_B
	twin, err := e.ix.IndexMessage(twinHdr, nil)
	require.NoError(t, err)
	require.NotEqual(t, original.ID, twin.ID)
	require.Equal(t, original.ConversationID, twin.ConversationID)

	err = e.ix.DeleteMessage(twin)
	assert.NoError(t, err)

	gone, err := e.ds.GetMessageByID(twin.ID)
	assert.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := e.ds.GetMessageByID(original.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.False(t, kept.Ghost())
}

func TestIndexAll(t *testing.T) {
	e := setupEngine(t)

	good := []byte("Message-Id: <bulk1@made.up.invalid>\r\n" +
		"Subject: Bulk run\r\n" +
		"From: bob@smith.invalid\r\n" +
		"To: alice@example.invalid\r\n" +
		"Date: Mon, 12 Feb 2024 10:30:00 +0000\r\n" +
		"\r\nBody\r\n")
	reply := []byte("Message-Id: <bulk2@made.up.invalid>\r\n" +
		"References: <bulk1@made.up.invalid>\r\n" +
		"Subject: Re: Bulk run\r\n" +
		"From: alice@example.invalid\r\n" +
		"To: bob@smith.invalid\r\n" +
		"Date: Mon, 12 Feb 2024 11:00:00 +0000\r\n" +
		"\r\nBody\r\n")
	broken := []byte("this is not a mail")

	progress := 0
	e.ix.AddListener(func(status Status, messageIndex, messageGoal int) {
		if status == StatusIndexing {
			progress++
		}
	})

	stats, err := e.ix.IndexAll(context.Background(), []domain.RawMessage{
		{FolderURI: TEST_FOLDER_A, MessageKey: 1, Raw: good, Starred: true},
		{FolderURI: TEST_FOLDER_A, MessageKey: 2, Raw: broken},
		{FolderURI: TEST_FOLDER_A, MessageKey: 3, Raw: reply},
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, stats.Indexed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, progress)

	first, err := e.ds.GetMessageFromLocation(TEST_FOLDER_A, 1)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := e.ds.GetMessageFromLocation(TEST_FOLDER_A, 3)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	starred, err := e.reg.Access(first, "starred")
	assert.NoError(t, err)
	assert.Equal(t, true, starred)
}

func TestIndexAllCancelled(t *testing.T) {
	e := setupEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	good := []byte("Message-Id: <bulk1@made.up.invalid>\r\n" +
		"Subject: Bulk run\r\n" +
		"From: bob@smith.invalid\r\n" +
		"Date: Mon, 12 Feb 2024 10:30:00 +0000\r\n" +
		"\r\nBody\r\n")

	stats, err := e.ix.IndexAll(ctx, []domain.RawMessage{
		{FolderURI: TEST_FOLDER_A, MessageKey: 1, Raw: good},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, stats.Indexed)
}
