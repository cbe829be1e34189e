package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// SchemaValidator inspects a sqlite database for the tables, columns and
// indexes the store expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// RequiredTables maps each table to what it stores.
var RequiredTables = map[string]string{
	"users":             "user projection and presence",
	"conversations":     "one thread per unordered pair",
	"messages":          "chat messages",
	"chat_consents":     "consent gate records",
	"notifications":     "coalesced notifications",
	"schema_migrations": "migration tracking",
}

// RequiredIndexes maps each index to the query or invariant it serves.
var RequiredIndexes = map[string]string{
	"idx_conversations_pair":         "unordered pair uniqueness",
	"idx_messages_conversation_time": "history retrieval",
	"idx_messages_unread":            "read marking on window open",
	"idx_chat_consents_pair":         "one consent per pair",
	"idx_notifications_coalesce":     "notification coalescing",
	"idx_notifications_user_created": "notification listing",
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range sortedKeys(RequiredTables) {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, RequiredTables[table], err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, RequiredTables[table])
		}
	}
	return nil
}

// ValidateTableStructure verifies that the columns the store scans exist
// with the declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"users": {
			"id": "TEXT", "display_name": "TEXT", "avatar_ref": "TEXT",
			"online": "INTEGER", "last_seen_at": "DATETIME", "created_at": "DATETIME",
		},
		"conversations": {
			"id": "TEXT", "participant1_id": "TEXT", "participant2_id": "TEXT",
			"last_message_at": "DATETIME", "created_at": "DATETIME",
		},
		"messages": {
			"id": "TEXT", "conversation_id": "TEXT", "sender_id": "TEXT", "content": "TEXT",
			"image_ref": "TEXT", "timestamp": "DATETIME", "is_read": "INTEGER",
		},
		"chat_consents": {
			"id": "TEXT", "requester_id": "TEXT", "responder_id": "TEXT", "status": "TEXT",
			"created_at": "DATETIME", "updated_at": "DATETIME",
		},
		"notifications": {
			"id": "TEXT", "user_id": "TEXT", "type": "TEXT", "from_user_id": "TEXT",
			"conversation_id": "TEXT", "is_read": "INTEGER", "created_at": "DATETIME",
		},
	}
	for _, table := range sortedKeys(expected) {
		if err := v.validateColumns(table, expected[table]); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all required indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range sortedKeys(RequiredIndexes) {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, RequiredIndexes[index], err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, RequiredIndexes[index])
		}
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue interface{}
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range sortedKeys(expectedColumns) {
		foundType, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if foundType != expectedColumns[col] {
			return fmt.Errorf("column %s has type %s, expected %s", col, foundType, expectedColumns[col])
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
