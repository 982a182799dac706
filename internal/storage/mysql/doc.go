// Package mysql persists receipts and owns the schema migrations shared by
// every MySQL-backed store. A JSON-lines file repository stands in when no
// database is configured.
package mysql
