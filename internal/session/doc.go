// Package session owns the shared per-session tutoring context.
//
// # Overview
//
// One SharedContext exists per active session, shared by every agent that
// participates in it. The Manager exclusively controls mutation: all writes
// funnel through Update, which serializes per-session via a buffered-channel
// lock (bounded by a lock-acquisition timeout), stamps lastActivity, and
// re-persists a JSON snapshot to the durable store under context:<sessionID>
// with a TTL. Reads (Get, Search) return deep copies, so a caller holding a
// context never observes or interferes with an in-flight update.
//
// # Lifetime
//
// A context lives from Initialize until the session goes idle past the TTL,
// at which point the periodic sweep evicts it from the cache and the durable
// store. A cache miss inside the TTL window rehydrates from the store.
//
// # Invariants
//
//   - Only one update is in flight per session; different sessions never
//     block each other.
//   - ConversationHistory never exceeds its cap; oldest entries drop first.
//   - CurrentDifficulty is always clamped to [1,10].
package session
