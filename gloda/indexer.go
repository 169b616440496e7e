// SPDX-License-Identifier: GPL-3.0-or-later
package gloda

import (
	"context"
	"fmt"
	"sync"

	"github.com/vivithecanine/gloda/domain"
	"github.com/vivithecanine/gloda/log"
	"github.com/vivithecanine/gloda/mail"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusIdle     Status = "Idle"
	StatusIndexing Status = "Indexing"
)

// ProgressListener is notified of major status changes (idle to indexing and
// back) plus progress updates during bulk indexing.
type ProgressListener func(status Status, messageIndex, messageGoal int)

// IndexStats summarizes one bulk indexing run. Failed counts messages whose
// extraction failed; their previous attribute sets, if any, are untouched.
type IndexStats struct {
	Indexed int
	Failed  int
}

// Indexer drives the indexing pipeline: it assigns every message to exactly
// one conversation, runs the attribute providers in order and replaces the
// message's attribute set transactionally. Threading decisions are
// serialized on the calling goroutine; only MIME extraction fans out.
type Indexer struct {
	ds  domain.Datastore
	reg *Registry
	hub *Hub
	l   *logrus.Logger

	configuration *configuration

	mu        sync.Mutex
	listeners []ProgressListener
	indexing  bool
}

func NewIndexer(ds domain.Datastore, reg *Registry, hub *Hub, configFunc ...ConfigFunc) (*Indexer, error) {
	config := &configuration{ParseConcurrency: DefaultParseConcurrency}
	for _, f := range configFunc {
		err := f(config)
		if err != nil {
			return nil, fmt.Errorf("error applying configuration: %w", err)
		}
	}

	return &Indexer{
		ds:            ds,
		reg:           reg,
		hub:           hub,
		l:             log.Logger(log.LOG_INDEXER),
		configuration: config,
	}, nil
}

// AddListener registers a progress listener. If no indexing is active a
// synthetic idle notification is generated immediately.
func (ix *Indexer) AddListener(listener ProgressListener) {
	ix.mu.Lock()
	ix.listeners = append(ix.listeners, listener)
	indexing := ix.indexing
	ix.mu.Unlock()
	if !indexing {
		listener(StatusIdle, 0, 0)
	}
}

func (ix *Indexer) notifyListeners(status Status, messageIndex, messageGoal int) {
	ix.mu.Lock()
	listeners := make([]ProgressListener, len(ix.listeners))
	copy(listeners, ix.listeners)
	ix.mu.Unlock()
	for _, listener := range listeners {
		listener(status, messageIndex, messageGoal)
	}
}

// IndexMessage indexes one message: find or create the owning conversation,
// run the providers in their fixed order and atomically replace the
// message's attribute rows. A provider error aborts this message only and
// leaves its previous attribute set intact.
func (ix *Indexer) IndexMessage(hdr *domain.MessageHeader, mime *domain.MimeMessage) (*domain.Message, error) {
	msg, err := ix.thread(hdr)
	if err != nil {
		return nil, fmt.Errorf("could not thread message %s: %w", hdr.MessageID, err)
	}

	allAttribs := []domain.AttributeInstance{}
	for _, provider := range ix.reg.Providers() {
		attribs, err := provider.Process(msg, hdr, mime)
		if err != nil {
			return nil, fmt.Errorf("provider %s failed on message %s: %w", provider.Name(), hdr.MessageID, err)
		}
		allAttribs = append(allAttribs, attribs...)
	}

	rows, err := ix.resolveInstances(allAttribs)
	if err != nil {
		return nil, fmt.Errorf("could not resolve attributes for message %s: %w", hdr.MessageID, err)
	}

	err = ix.ds.InsertMessageAttributes(msg, rows)
	if err != nil {
		return nil, fmt.Errorf("could not persist attributes for message %s: %w", hdr.MessageID, err)
	}

	msg.DropAttrCache()
	ix.warmCache(msg, allAttribs)

	ix.hub.Publish(Event{Topic: TopicMessageIndexed, Message: msg, Instances: allAttribs})

	ix.l.WithFields(logrus.Fields{"message": msg.ID, "subject": mail.ShortSubject(hdr.Subject), "attributes": len(rows)}).Debug("Indexed message")

	return msg, nil
}

// thread finds or creates the conversation a message belongs to. The
// invariant is that all indexed messages belong to a conversation; unseen
// ancestors are recorded as ghost messages so later-arriving intermediaries
// join the same conversation at whatever depth they appear.
func (ix *Indexer) thread(hdr *domain.MessageHeader) (*domain.Message, error) {
	// References are ordered from old to new; fall back to In-Reply-To.
	// Sloppy mailers repeat IDs or cite the message itself; every distinct
	// Message-ID is one logical slot, so duplicates and the self-reference
	// are dropped before lookup or they would spawn spurious ghosts.
	references := []string{}
	seen := map[string]bool{hdr.MessageID: true}
	for _, ref := range hdr.Ancestry() {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		references = append(references, ref)
	}

	// Also look up the message itself: it may already be known, either
	// indexed before or as a ghost created by an earlier-arriving reply.
	lookup := make([]string, 0, len(references)+1)
	lookup = append(lookup, references...)
	lookup = append(lookup, hdr.MessageID)

	lists, err := ix.ds.GetMessagesByMessageID(lookup)
	if err != nil {
		return nil, err
	}
	ancestorLists := lists[:len(references)]
	candidateCurMsgs := lists[len(references)]

	// Walk from closest to furthest ancestor; the first hit wins. All
	// messages with the same header Message-ID share one conversation, so
	// only the first instance matters.
	var conversationID int64
	for iAncestor := len(ancestorLists) - 1; iAncestor >= 0; iAncestor-- {
		ancestorList := ancestorLists[iAncestor]
		if len(ancestorList) == 0 {
			continue
		}
		ancestor := ancestorList[0]
		if conversationID == 0 {
			conversationID = ancestor.ConversationID
		} else if conversationID != ancestor.ConversationID {
			// Conflicting ancestor chains spanning two conversations; the
			// first match wins and the inconsistency is logged rather than
			// merged. TODO: merge the two conversations once the desired
			// bookkeeping is clarified.
			ix.l.WithFields(logrus.Fields{
				"message":  ancestor.HeaderMessageID,
				"got":      ancestor.ConversationID,
				"expected": conversationID,
			}).Error("Inconsistency in conversations invariant")
		}
	}

	// The child-found-first case: a reply arrived before its parent and
	// left a ghost carrying the conversation.
	if conversationID == 0 && len(candidateCurMsgs) > 0 {
		conversationID = candidateCurMsgs[0].ConversationID
	}

	if conversationID == 0 {
		conversation, err := ix.ds.CreateConversation(hdr.Subject)
		if err != nil {
			return nil, err
		}
		conversationID = conversation.ID
	}

	// Create ghosts for the ancestors that don't exist yet. This happens
	// when earlier messages only carried In-Reply-To or an otherwise
	// incomplete References chain.
	for iAncestor := 0; iAncestor < len(ancestorLists); iAncestor++ {
		if len(ancestorLists[iAncestor]) > 0 {
			continue
		}
		ghost, err := ix.ds.CreateMessage(nil, nil, conversationID, references[iAncestor])
		if err != nil {
			return nil, err
		}
		ancestorLists[iAncestor] = append(ancestorLists[iAncestor], ghost)
	}

	// Find a ghost version of this message, or the already-indexed row.
	var curMsg *domain.Message
	for _, candMsg := range candidateCurMsgs {
		if candMsg.FolderURI != nil && *candMsg.FolderURI == hdr.FolderURI {
			// Same folder, same key: definitely the same. Same folder with a
			// purged key is the best option unless an exact match turns up
			// (the move case wipes message keys).
			if candMsg.MessageKey != nil && *candMsg.MessageKey == hdr.MessageKey {
				curMsg = candMsg
				break
			}
			if candMsg.MessageKey == nil {
				curMsg = candMsg
			}
		} else if curMsg == nil && candMsg.Ghost() {
			curMsg = candMsg
		}
	}

	if curMsg == nil {
		folderURI := hdr.FolderURI
		messageKey := hdr.MessageKey
		return ix.ds.CreateMessage(&folderURI, &messageKey, conversationID, hdr.MessageID)
	}

	folderURI := hdr.FolderURI
	messageKey := hdr.MessageKey
	curMsg.FolderURI = &folderURI
	curMsg.MessageKey = &messageKey
	if curMsg.ConversationID != conversationID {
		ix.l.WithFields(logrus.Fields{
			"message":  curMsg.HeaderMessageID,
			"got":      curMsg.ConversationID,
			"expected": conversationID,
		}).Warn("Adopting ancestor conversation over ghost conversation")
		curMsg.ConversationID = conversationID
	}
	err = ix.ds.UpdateMessage(curMsg)
	if err != nil {
		return nil, err
	}
	return curMsg, nil
}

// resolveInstances maps provider tuples down to stored rows: parameter
// binding allocates per-parameter attribute IDs on first use, values are
// persisted through their object noun.
func (ix *Indexer) resolveInstances(attribs []domain.AttributeInstance) ([]domain.StoredAttribute, error) {
	rows := make([]domain.StoredAttribute, 0, len(attribs))
	for _, attrib := range attribs {
		if attrib.Attr == nil {
			return nil, fmt.Errorf("attribute instance without definition")
		}

		attrID := attrib.Attr.ID
		if attrib.Parameter != nil {
			if !attrib.Attr.Parameterized() {
				return nil, fmt.Errorf("attribute %s does not take a parameter", attrib.Attr.CompoundName)
			}
			stored, err := ix.reg.PersistNoun(attrib.Attr.ParameterNoun, attrib.Parameter)
			if err != nil {
				return nil, err
			}
			attrID, err = attrib.Attr.BindParameter(fmt.Sprint(stored))
			if err != nil {
				return nil, err
			}
		} else if attrID == 0 {
			return nil, fmt.Errorf("attribute %s has no persisted id", attrib.Attr.CompoundName)
		}

		value, err := ix.reg.PersistNoun(attrib.Attr.ObjectNoun, attrib.Value)
		if err != nil {
			return nil, err
		}

		rows = append(rows, domain.StoredAttribute{AttrID: attrID, Value: value})
	}
	return rows, nil
}

// warmCache populates the message's bound-accessor memos from the instances
// just produced, so callers can read fields without another store roundtrip.
func (ix *Indexer) warmCache(msg *domain.Message, attribs []domain.AttributeInstance) {
	byBind := map[string][]domain.AttributeInstance{}
	order := []string{}
	for _, attrib := range attribs {
		if attrib.Attr.BindName == "" {
			continue
		}
		if _, seen := byBind[attrib.Attr.BindName]; !seen {
			order = append(order, attrib.Attr.BindName)
		}
		byBind[attrib.Attr.BindName] = append(byBind[attrib.Attr.BindName], attrib)
	}

	for _, bindName := range order {
		instances := byBind[bindName]
		def := instances[0].Attr
		values := make([]any, 0, len(instances))
		for _, instance := range instances {
			if def.Parameterized() {
				values = append(values, instance.Parameter)
			} else {
				values = append(values, instance.Value)
			}
		}
		if def.Cardinality == domain.Singular {
			msg.CacheAttr(bindName, values[0])
		} else {
			msg.CacheAttr(bindName, values)
		}
	}
}

// IndexAll bulk-indexes raw messages. MIME extraction runs concurrently,
// bounded by the configured parse concurrency; threading and persistence
// run serialized so conversation decisions never race. Cancellation is
// honored at message granularity: the current message finishes, the next is
// not started. Per-message extraction failures are logged and skipped, they
// never abort the run.
func (ix *Indexer) IndexAll(ctx context.Context, raws []domain.RawMessage) (IndexStats, error) {
	type parsedRaw struct {
		hdr  *domain.MessageHeader
		mime *domain.MimeMessage
		err  error
	}

	parsed := make([]parsedRaw, len(raws))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(ix.configuration.ParseConcurrency)
	for i := range raws {
		i := i
		g.Go(func() error {
			hdr, err := mail.ParseHeader(raws[i].Raw)
			if err != nil {
				parsed[i].err = err
				return nil
			}
			hdr.FolderURI = raws[i].FolderURI
			hdr.MessageKey = raws[i].MessageKey
			hdr.Starred = raws[i].Starred
			hdr.Read = raws[i].Read
			hdr.Tags = raws[i].Tags

			// A partially walkable MIME body still yields its attachments
			// up to the failure; header-only indexing is fine.
			mime, err := mail.ParseMime(raws[i].Raw)
			if err != nil {
				ix.l.WithFields(logrus.Fields{"message": hdr.MessageID, "error": err}).Debug("Partial mime parse")
			}

			parsed[i].hdr = hdr
			parsed[i].mime = mime
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		return IndexStats{}, fmt.Errorf("could not parse messages: %w", err)
	}

	ix.mu.Lock()
	ix.indexing = true
	ix.mu.Unlock()
	defer func() {
		ix.mu.Lock()
		ix.indexing = false
		ix.mu.Unlock()
		ix.notifyListeners(StatusIdle, 0, 0)
	}()

	stats := IndexStats{}
	for i := range parsed {
		if err := ctx.Err(); err != nil {
			ix.l.WithFields(logrus.Fields{"indexed": stats.Indexed, "remaining": len(parsed) - i}).Info("Indexing cancelled")
			return stats, err
		}

		if parsed[i].err != nil {
			ix.l.WithFields(logrus.Fields{"error": parsed[i].err}).Warn("Skipping unparsable message")
			stats.Failed++
			continue
		}

		_, err := ix.IndexMessage(parsed[i].hdr, parsed[i].mime)
		if err != nil {
			ix.l.WithFields(logrus.Fields{"message": parsed[i].hdr.MessageID, "error": err}).Warn("Could not index message")
			stats.Failed++
			continue
		}
		stats.Indexed++

		ix.notifyListeners(StatusIndexing, i+1, len(parsed))
	}

	ix.l.WithFields(logrus.Fields{"indexed": stats.Indexed, "failed": stats.Failed}).Info("Indexing run finished")

	return stats, nil
}

// DeleteMessage wipes a message out of the index. Deletion may leave a
// conversation holding only ghosts, which gets nuked wholesale; a twin (a
// second real copy with the same header Message-ID) keeps the thread intact,
// otherwise the row turns back into a ghost so the thread keeps its shape.
func (ix *Indexer) DeleteMessage(msg *domain.Message) error {
	err := ix.ds.ClearMessageAttributes(msg)
	if err != nil {
		return fmt.Errorf("could not clear attributes: %w", err)
	}

	conversationMsgs, err := ix.ds.GetMessagesByConversationID(msg.ConversationID, true)
	if err != nil {
		return fmt.Errorf("could not load conversation messages: %w", err)
	}

	ghosts := 0
	var twinMessage *domain.Message
	for _, convMsg := range conversationMsgs {
		if convMsg.ID == msg.ID {
			continue
		}
		if convMsg.Ghost() {
			ghosts++
		} else if convMsg.HeaderMessageID == msg.HeaderMessageID {
			twinMessage = convMsg
		}
	}

	if len(conversationMsgs)-1 == ghosts {
		// Everyone else is a ghost; obliterate the conversation.
		err = ix.ds.DeleteMessagesByConversationID(msg.ConversationID)
		if err != nil {
			return fmt.Errorf("could not delete conversation messages: %w", err)
		}
		err = ix.ds.DeleteConversationByID(msg.ConversationID)
		if err != nil {
			return fmt.Errorf("could not delete conversation: %w", err)
		}
	} else if twinMessage != nil {
		err = ix.ds.DeleteMessageByID(msg.ID)
		if err != nil {
			return fmt.Errorf("could not delete message: %w", err)
		}
	} else {
		msg.MakeGhost()
		err = ix.ds.UpdateMessage(msg)
		if err != nil {
			return fmt.Errorf("could not ghost message: %w", err)
		}
	}

	ix.hub.Publish(Event{Topic: TopicMessageDeleted, Message: msg})

	ix.l.WithFields(logrus.Fields{"message": msg.ID, "conversation": msg.ConversationID}).Debug("Deleted message")

	return nil
}

// MessageMoved relocates messages to their destination folder, purging the
// now-unknown message keys. Conversation membership and header Message-IDs
// are untouched; callers re-queue the moved messages for indexing to refresh
// location attributes and keys.
func (ix *Indexer) MessageMoved(oldFolderURI string, messageKeys []uint32, newFolderURI string) error {
	err := ix.ds.UpdateMessageLocations(oldFolderURI, messageKeys, newFolderURI)
	if err != nil {
		return fmt.Errorf("could not move messages: %w", err)
	}
	return nil
}

// FolderRenamed updates the URI to folder-ID mapping in place; message rows
// reference the stable ID and need no rewrite.
func (ix *Indexer) FolderRenamed(oldFolderURI, newFolderURI string) error {
	err := ix.ds.RenameFolder(oldFolderURI, newFolderURI)
	if err != nil {
		return fmt.Errorf("could not rename folder: %w", err)
	}
	return nil
}
