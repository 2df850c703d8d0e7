// Package table provides exclusive table handles on top of a storage engine and the pool that hands them out.
//
// A Pool owns one engine instance (see package db) and creates up to Options.MaxHandles handles lazily.
// Each Handle wraps one engine session and exposes the point and range operations of a single
// table: keys are stored under the prefix "t/<table>/", the schema record of the table lives at "s/<table>".
//
// Usage follows a strict borrow discipline. A handle belongs to exactly one goroutine between Take
// and Return, and holds at most one open transaction:
//
//	err := pool.With(func(h *table.Handle) error {
//		if err := h.Begin(); err != nil {
//			return err
//		}
//		if err := h.Set(key, value); err != nil {
//			return err
//		}
//		return h.Commit()
//	})
//
// Take blocks while every handle is borrowed. Backup and Restore drive the engine's
// status protocol and return a *BackupError if the engine reports a failure. Restoring into
// the pool's own directory waits for all borrowed handles, reopens the engine and resumes.
package table
