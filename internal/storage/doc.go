// Package storage keeps an append-only history of completed dispatches.
//
// Only jobs that already ran are recorded; pending queue contents are never
// persisted. Two backends exist: "file" (JSON Lines with periodic
// compaction) and "sqlite" (modernc.org/sqlite, no cgo).
package storage
