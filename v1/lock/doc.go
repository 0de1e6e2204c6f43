// Package lock provides the authoritative lock table with in-memory and Redis
// implementations. A resource is held by at most one holder; entries held by
// holders that are no longer alive are treated as free on acquisition but are
// never evicted proactively. Grants and releases can be propagated on a
// transport as "lock:<key>" and "unlock:<key>" events.
package lock
