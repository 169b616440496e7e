// SPDX-License-Identifier: GPL-3.0-or-later
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vivithecanine/gloda/domain"
	"github.com/vivithecanine/gloda/log"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
)

const messageColumns = `m.id AS id, f.folderURI AS folderURI, m.messageKey AS messageKey,
	m.conversationID AS conversationID, m.headerMessageID AS headerMessageID`

const messageFrom = `FROM messages m LEFT JOIN folderLocations f ON m.folderID = f.id`

type Datastore struct {
	db *sqlx.DB
	l  *logrus.Logger
}

func NewDatastore(datasource string) (*Datastore, error) {
	db, err := sqlx.Connect("sqlite3", datasource)
	if err != nil {
		return nil, fmt.Errorf("could not open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := log.Logger(log.LOG_DATASTORE)
	l.WithField("file", datasource).Info("Connected")

	_, err = db.Exec(`PRAGMA journal_mode=WAL`)
	if err != nil {
		return nil, fmt.Errorf("could not set journal mode: %w", err)
	}
	_, err = db.Exec(`PRAGMA synchronous=normal`)
	if err != nil {
		return nil, fmt.Errorf("could not set synchronous mode: %w", err)
	}

	appliedMigrations, err := migrate.Exec(db.DB, "sqlite3", migrationSource, migrate.Up)
	if err != nil {
		return nil, fmt.Errorf("could not migrate to newest version: %w", err)
	}

	l.WithField("migrations", appliedMigrations).Debug("Executed migrations")

	return &Datastore{
		db: db,
		l:  l,
	}, nil
}

func (d *Datastore) Close() error {
	err := d.db.Close()
	if err != nil {
		return fmt.Errorf("could not close db: %w", err)
	}
	d.l.Info("Disconnected")
	return nil
}

func (d *Datastore) GetAllAttributes() ([]domain.StoredAttributeDef, error) {
	dbDefs := []struct {
		Id            int64          `db:"id"`
		AttributeType int            `db:"attributeType"`
		ExtensionName string         `db:"extensionName"`
		Name          string         `db:"name"`
		Parameter     sql.NullString `db:"parameter"`
	}{}

	err := d.db.Select(
		&dbDefs,
		`SELECT id, attributeType, extensionName, name, parameter FROM attributeDefinitions`,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	defs := []domain.StoredAttributeDef{}
	for _, a := range dbDefs {
		def := domain.StoredAttributeDef{
			ID:         a.Id,
			Type:       domain.AttrType(a.AttributeType),
			PluginName: a.ExtensionName,
			Name:       a.Name,
		}
		if a.Parameter.Valid {
			param := a.Parameter.String
			def.Parameter = &param
		}
		defs = append(defs, def)
	}

	d.l.WithField("Count", len(defs)).Debug("Loaded attribute definitions")

	return defs, nil
}

func (d *Datastore) CreateAttributeDef(attrType domain.AttrType, pluginName, name string, parameter *string) (int64, error) {
	result, err := d.db.Exec(
		`INSERT INTO attributeDefinitions (attributeType, extensionName, name, parameter) VALUES (?, ?, ?, ?)`,
		int(attrType),
		pluginName,
		name,
		parameter,
	)
	if err != nil {
		return 0, fmt.Errorf("could not create attribute definition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("could not get attribute definition id: %w", err)
	}

	return id, nil
}

func (d *Datastore) GetContactByID(id int64) (*domain.Contact, error) {
	dbContact := struct {
		Id   int64  `db:"id"`
		Name string `db:"name"`
	}{}

	err := d.db.Get(&dbContact, `SELECT id, name FROM contacts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return &domain.Contact{ID: dbContact.Id, Name: dbContact.Name}, nil
}

func (d *Datastore) CreateContact(name string) (*domain.Contact, error) {
	result, err := d.db.Exec(`INSERT INTO contacts (name) VALUES (?)`, name)
	if err != nil {
		return nil, fmt.Errorf("could not create contact: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("could not get contact id: %w", err)
	}

	return &domain.Contact{ID: id, Name: name}, nil
}

type dbIdentity struct {
	Id          int64  `db:"id"`
	ContactID   int64  `db:"contactID"`
	Kind        string `db:"kind"`
	Value       string `db:"value"`
	Description string `db:"description"`
	ContactName string `db:"contactName"`
}

func (i *dbIdentity) toDomain() *domain.Identity {
	contact := &domain.Contact{ID: i.ContactID, Name: i.ContactName}
	return &domain.Identity{
		ID:          i.Id,
		ContactID:   i.ContactID,
		Contact:     contact,
		Kind:        i.Kind,
		Value:       i.Value,
		Description: i.Description,
	}
}

const identityQuery = `SELECT i.id AS id, i.contactID AS contactID, i.kind AS kind,
	i.value AS value, i.description AS description, c.name AS contactName
	FROM identities i JOIN contacts c ON i.contactID = c.id`

func (d *Datastore) GetIdentityByID(id int64) (*domain.Identity, error) {
	dbIdent := dbIdentity{}

	err := d.db.Get(&dbIdent, identityQuery+` WHERE i.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return dbIdent.toDomain(), nil
}

func (d *Datastore) GetIdentity(kind, value string) (*domain.Identity, error) {
	dbIdent := dbIdentity{}

	err := d.db.Get(&dbIdent, identityQuery+` WHERE i.kind = ? AND i.value = ?`, kind, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return dbIdent.toDomain(), nil
}

func (d *Datastore) CreateIdentity(contactID int64, kind, value, description string) (*domain.Identity, error) {
	result, err := d.db.Exec(
		`INSERT INTO identities (contactID, kind, value, description) VALUES (?, ?, ?, ?)`,
		contactID, kind, value, description,
	)
	if err != nil {
		return nil, fmt.Errorf("could not create identity: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("could not get identity id: %w", err)
	}

	return d.GetIdentityByID(id)
}

func (d *Datastore) CreateConversation(subject string) (*domain.Conversation, error) {
	result, err := d.db.Exec(`INSERT INTO conversations (subject) VALUES (?)`, subject)
	if err != nil {
		return nil, fmt.Errorf("could not create conversation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("could not get conversation id: %w", err)
	}

	d.l.WithFields(logrus.Fields{"id": id, "subject": subject}).Debug("Created conversation")

	return &domain.Conversation{ID: id, Subject: subject}, nil
}

func (d *Datastore) GetConversationByID(id int64) (*domain.Conversation, error) {
	dbConv := struct {
		Id      int64  `db:"id"`
		Subject string `db:"subject"`
	}{}

	err := d.db.Get(&dbConv, `SELECT id, subject FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return &domain.Conversation{ID: dbConv.Id, Subject: dbConv.Subject}, nil
}

type dbMessage struct {
	Id              int64          `db:"id"`
	FolderURI       sql.NullString `db:"folderURI"`
	MessageKey      sql.NullInt64  `db:"messageKey"`
	ConversationID  int64          `db:"conversationID"`
	HeaderMessageID string         `db:"headerMessageID"`
}

func (m *dbMessage) toDomain() *domain.Message {
	msg := &domain.Message{
		ID:              m.Id,
		ConversationID:  m.ConversationID,
		HeaderMessageID: m.HeaderMessageID,
	}
	if m.FolderURI.Valid {
		uri := m.FolderURI.String
		msg.FolderURI = &uri
	}
	if m.MessageKey.Valid {
		key := uint32(m.MessageKey.Int64)
		msg.MessageKey = &key
	}
	return msg
}

func (d *Datastore) GetMessagesByConversationID(id int64, includeGhosts bool) ([]*domain.Message, error) {
	qry := `SELECT ` + messageColumns + ` ` + messageFrom + ` WHERE m.conversationID = ?`
	if !includeGhosts {
		qry += ` AND m.folderID IS NOT NULL`
	}

	dbMessages := []dbMessage{}
	err := d.db.Select(&dbMessages, qry, id)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	messages := []*domain.Message{}
	for i := range dbMessages {
		messages = append(messages, dbMessages[i].toDomain())
	}

	return messages, nil
}

func (d *Datastore) DeleteConversationByID(id int64) error {
	_, err := d.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete conversation: %w", err)
	}
	return nil
}

func (d *Datastore) DeleteMessagesByConversationID(id int64) error {
	tx, err := d.db.BeginTxx(context.TODO(), nil)
	if err != nil {
		return fmt.Errorf("could not start transaction: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM messageAttributes WHERE conversationID = ?`, id)
	if err != nil {
		return txEnd(tx, fmt.Errorf("could not delete conversation attributes: %w", err))
	}

	_, err = tx.Exec(`DELETE FROM messages WHERE conversationID = ?`, id)
	if err != nil {
		return txEnd(tx, fmt.Errorf("could not delete conversation messages: %w", err))
	}

	return txEnd(tx, nil)
}

func (d *Datastore) CreateMessage(folderURI *string, messageKey *uint32, conversationID int64, headerMessageID string) (*domain.Message, error) {
	var folderID *int64
	if folderURI != nil {
		id, err := d.folderID(*folderURI)
		if err != nil {
			return nil, err
		}
		folderID = &id
	}

	var key *int64
	if messageKey != nil {
		k := int64(*messageKey)
		key = &k
	}

	result, err := d.db.Exec(
		`INSERT INTO messages (folderID, messageKey, conversationID, headerMessageID) VALUES (?, ?, ?, ?)`,
		folderID, key, conversationID, headerMessageID,
	)
	if err != nil {
		return nil, fmt.Errorf("could not create message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("could not get message id: %w", err)
	}

	msg := &domain.Message{
		ID:              id,
		FolderURI:       folderURI,
		MessageKey:      messageKey,
		ConversationID:  conversationID,
		HeaderMessageID: headerMessageID,
	}
	return msg, nil
}

func (d *Datastore) UpdateMessage(m *domain.Message) error {
	var folderID *int64
	if m.FolderURI != nil {
		id, err := d.folderID(*m.FolderURI)
		if err != nil {
			return err
		}
		folderID = &id
	}

	var key *int64
	if m.MessageKey != nil {
		k := int64(*m.MessageKey)
		key = &k
	}

	result, err := d.db.Exec(
		`UPDATE messages SET folderID = ?, messageKey = ?, conversationID = ? WHERE id = ?`,
		folderID, key, m.ConversationID, m.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get num of affected rows: %w", err)
	}

	if affected != 1 {
		return fmt.Errorf("unexpected number of affected rows, expected 1 got %d", affected)
	}

	return nil
}

func (d *Datastore) GetMessageByID(id int64) (*domain.Message, error) {
	dbMsg := dbMessage{}

	err := d.db.Get(&dbMsg, `SELECT `+messageColumns+` `+messageFrom+` WHERE m.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return dbMsg.toDomain(), nil
}

func (d *Datastore) GetMessageFromLocation(folderURI string, messageKey uint32) (*domain.Message, error) {
	dbMsg := dbMessage{}

	err := d.db.Get(
		&dbMsg,
		`SELECT `+messageColumns+` `+messageFrom+` WHERE f.folderURI = ? AND m.messageKey = ?`,
		folderURI, int64(messageKey),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return dbMsg.toDomain(), nil
}

func (d *Datastore) GetMessageByMessageID(headerMessageID string) (*domain.Message, error) {
	dbMsg := dbMessage{}

	err := d.db.Get(
		&dbMsg,
		`SELECT `+messageColumns+` `+messageFrom+` WHERE m.headerMessageID = ? ORDER BY m.id LIMIT 1`,
		headerMessageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return dbMsg.toDomain(), nil
}

func (d *Datastore) GetMessagesByMessageID(headerMessageIDs []string) ([][]*domain.Message, error) {
	results := make([][]*domain.Message, len(headerMessageIDs))
	for i := range results {
		results[i] = []*domain.Message{}
	}
	if len(headerMessageIDs) == 0 {
		return results, nil
	}

	qry, args, err := sqlx.In(
		`SELECT `+messageColumns+` `+messageFrom+` WHERE m.headerMessageID IN (?) ORDER BY m.id`,
		headerMessageIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("could not create query: %w", err)
	}

	dbMessages := []dbMessage{}
	err = d.db.Select(&dbMessages, qry, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	index := map[string]int{}
	for i, id := range headerMessageIDs {
		index[id] = i
	}
	for i := range dbMessages {
		msg := dbMessages[i].toDomain()
		slot := index[msg.HeaderMessageID]
		results[slot] = append(results[slot], msg)
	}

	return results, nil
}

func (d *Datastore) DeleteMessageByID(id int64) error {
	_, err := d.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete message: %w", err)
	}
	return nil
}

func (d *Datastore) UpdateMessageLocations(oldFolderURI string, messageKeys []uint32, newFolderURI string) error {
	oldID, err := d.folderID(oldFolderURI)
	if err != nil {
		return err
	}
	newID, err := d.folderID(newFolderURI)
	if err != nil {
		return err
	}

	keys := make([]int64, len(messageKeys))
	for i, k := range messageKeys {
		keys[i] = int64(k)
	}

	qry, args, err := sqlx.In(
		`UPDATE messages SET folderID = ?, messageKey = NULL WHERE folderID = ? AND messageKey IN (?)`,
		newID, oldID, keys,
	)
	if err != nil {
		return fmt.Errorf("could not create query: %w", err)
	}

	_, err = d.db.Exec(qry, args...)
	if err != nil {
		return fmt.Errorf("could not update message locations: %w", err)
	}

	d.l.WithFields(logrus.Fields{"from": oldFolderURI, "to": newFolderURI, "keys": len(messageKeys)}).Debug("Moved messages")

	return nil
}

func (d *Datastore) RenameFolder(oldFolderURI, newFolderURI string) error {
	_, err := d.db.Exec(`UPDATE folderLocations SET folderURI = ? WHERE folderURI = ?`, newFolderURI, oldFolderURI)
	if err != nil {
		return fmt.Errorf("could not rename folder: %w", err)
	}
	return nil
}

func (d *Datastore) InsertMessageAttributes(m *domain.Message, rows []domain.StoredAttribute) error {
	tx, err := d.db.BeginTxx(context.TODO(), nil)
	if err != nil {
		return fmt.Errorf("could not start transaction: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM messageAttributes WHERE messageID = ?`, m.ID)
	if err != nil {
		return txEnd(tx, fmt.Errorf("could not clear previous attributes: %w", err))
	}

	stmt, err := tx.Prepare(
		`INSERT INTO messageAttributes (conversationID, messageID, attributeID, value) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return txEnd(tx, fmt.Errorf("could not prepare statement: %w", err))
	}

	for _, row := range rows {
		_, err := stmt.Exec(m.ConversationID, m.ID, row.AttrID, row.Value)
		if err != nil {
			return txEnd(tx, fmt.Errorf("could not save attribute: %w", err))
		}
	}

	return txEnd(tx, nil)
}

func (d *Datastore) ClearMessageAttributes(m *domain.Message) error {
	_, err := d.db.Exec(`DELETE FROM messageAttributes WHERE messageID = ?`, m.ID)
	if err != nil {
		return fmt.Errorf("could not clear attributes: %w", err)
	}
	return nil
}

func (d *Datastore) GetMessageAttributes(messageID int64) ([]domain.StoredAttribute, error) {
	rows, err := d.db.Query(
		`SELECT attributeID, value FROM messageAttributes WHERE messageID = ?`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}
	defer rows.Close()

	attrs := []domain.StoredAttribute{}
	for rows.Next() {
		var attrID int64
		var value any
		err = rows.Scan(&attrID, &value)
		if err != nil {
			return nil, fmt.Errorf("could not scan attribute row: %w", err)
		}
		attrs = append(attrs, domain.StoredAttribute{AttrID: attrID, Value: normalizeValue(value)})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate attribute rows: %w", err)
	}

	return attrs, nil
}

func (d *Datastore) QueryMessagesAPV(clauses []domain.APVClause) ([]*domain.Message, error) {
	qry := `SELECT ` + messageColumns + ` ` + messageFrom + ` WHERE m.folderID IS NOT NULL`
	args := []interface{}{}

	for _, clause := range clauses {
		if len(clause.AttributeIDs) == 0 {
			// No bound attribute ID can match this predicate.
			return []*domain.Message{}, nil
		}

		sub := ` AND m.id IN (SELECT messageID FROM messageAttributes WHERE attributeID IN (?)`
		subArgs := []interface{}{clause.AttributeIDs}

		if clause.HasRange() {
			if clause.RangeLo != nil {
				sub += ` AND value >= ?`
				subArgs = append(subArgs, clause.RangeLo)
			}
			if clause.RangeHi != nil {
				sub += ` AND value <= ?`
				subArgs = append(subArgs, clause.RangeHi)
			}
		} else if len(clause.Values) > 0 {
			sub += ` AND value IN (?)`
			subArgs = append(subArgs, clause.Values)
		}
		sub += `)`

		qry += sub
		args = append(args, subArgs...)
	}

	qry, args, err := sqlx.In(qry, args...)
	if err != nil {
		return nil, fmt.Errorf("could not create query: %w", err)
	}

	dbMessages := []dbMessage{}
	err = d.db.Select(&dbMessages, qry, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	messages := []*domain.Message{}
	for i := range dbMessages {
		messages = append(messages, dbMessages[i].toDomain())
	}

	d.l.WithFields(logrus.Fields{"clauses": len(clauses), "matches": len(messages)}).Debug("Evaluated APV query")

	return messages, nil
}

func (d *Datastore) folderID(folderURI string) (int64, error) {
	var id int64
	err := d.db.Get(&id, `SELECT id FROM folderLocations WHERE folderURI = ?`, folderURI)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("could not query db: %w", err)
	}

	result, err := d.db.Exec(`INSERT INTO folderLocations (folderURI) VALUES (?)`, folderURI)
	if err != nil {
		return 0, fmt.Errorf("could not create folder location: %w", err)
	}

	id, err = result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("could not get folder id: %w", err)
	}

	return id, nil
}

// normalizeValue maps driver-level scan results to the stored scalar types
// the engine expects: int64 for integral values, string for text.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return v
	}
}

func txEnd(tx *sqlx.Tx, err error) error {
	if err == nil {
		err = tx.Commit()
		if err != nil {
			return fmt.Errorf("could not commit tx: %w", err)
		}
	} else {
		rollbackErr := tx.Rollback()
		if rollbackErr != nil {
			errStr := err.Error()
			return fmt.Errorf("%s, could not rollback tx: %w", errStr, rollbackErr)
		} else {
			return err
		}
	}

	return nil
}
