// Package state provides the persistent backends for the engine's state
// document: a local file store, a SQLite store with run history, and an
// SFTP store for teams sharing state over a remote host.
//
// All backends implement engine.StateStore. Saves are atomic and locking
// is advisory but exclusive: concurrent runs against the same state fail
// fast with a LockConflictError instead of corrupting state.
package state
