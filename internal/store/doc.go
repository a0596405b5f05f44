// Package store provides the durable key/value collaborator used for session
// context snapshots, with SQLite and in-memory implementations.
package store
