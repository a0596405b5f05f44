// Package registry tracks which agents exist, what they can do, and whether
// they are still alive.
//
// Registrations are snapshots taken at registration time, kept current via
// UpdateStatus and Touch. Two derived indices (capability name -> agent ids,
// agent type -> agent ids) support O(1) discovery; an index key never points
// at an empty set. A periodic liveness sweep force-unregisters agents whose
// lastSeen timestamp has gone stale.
package registry
