// SPDX-License-Identifier: GPL-3.0-or-later
package datastore

import migrate "github.com/rubenv/sql-migrate"

// The value columns of messageAttributes and attributeDefinitions carry no
// type affinity on purpose: SQLite's dynamic typing keeps integers (bools,
// dates, object IDs) comparable numerically for range predicates while text
// values (subjects, attachment names) stay text.
var migrationSource = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "1-initial",
			Up: []string{
				`CREATE TABLE attributeDefinitions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					attributeType INTEGER NOT NULL,
					extensionName TEXT NOT NULL,
					name TEXT NOT NULL,
					parameter
				)`,
				`CREATE UNIQUE INDEX attributeDefinitions_compound
					ON attributeDefinitions(extensionName, name)
					WHERE parameter IS NULL`,
				`CREATE UNIQUE INDEX attributeDefinitions_compoundParam
					ON attributeDefinitions(extensionName, name, parameter)
					WHERE parameter IS NOT NULL`,
				`CREATE TABLE folderLocations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					folderURI TEXT NOT NULL UNIQUE
				)`,
				`CREATE TABLE conversations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					subject TEXT NOT NULL
				)`,
				`CREATE TABLE messages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					folderID INTEGER REFERENCES folderLocations(id),
					messageKey INTEGER,
					conversationID INTEGER NOT NULL REFERENCES conversations(id),
					headerMessageID TEXT NOT NULL
				)`,
				`CREATE INDEX messages_headerMessageID ON messages(headerMessageID)`,
				`CREATE INDEX messages_conversationID ON messages(conversationID)`,
				`CREATE INDEX messages_location ON messages(folderID, messageKey)`,
				`CREATE TABLE messageAttributes (
					conversationID INTEGER NOT NULL,
					messageID INTEGER NOT NULL,
					attributeID INTEGER NOT NULL,
					value
				)`,
				`CREATE INDEX messageAttributes_message ON messageAttributes(messageID)`,
				`CREATE INDEX messageAttributes_attribValue ON messageAttributes(attributeID, value)`,
				`CREATE TABLE contacts (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL
				)`,
				`CREATE TABLE identities (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					contactID INTEGER NOT NULL REFERENCES contacts(id),
					kind TEXT NOT NULL,
					value TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE UNIQUE INDEX identities_kindValue ON identities(kind, value)`,
			},
			Down: []string{
				`DROP TABLE identities`,
				`DROP TABLE contacts`,
				`DROP TABLE messageAttributes`,
				`DROP TABLE messages`,
				`DROP TABLE conversations`,
				`DROP TABLE folderLocations`,
				`DROP TABLE attributeDefinitions`,
			},
		},
	},
}
