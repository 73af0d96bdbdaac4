// Package lock provides a distributed mutual-exclusion lock on top of a
// shared key-value store.
//
// A Locker spins on an atomic set-if-absent write with a fixed backoff until
// it wins or an acquisition ceiling elapses. Every lock entry carries a TTL so
// a holder that crashes before releasing cannot wedge the key forever; the
// price is that a critical section outliving the TTL is no longer exclusive.
//
// Releases can optionally be announced on a syncbus.Bus so waiters retry
// immediately instead of sleeping out the rest of their backoff. Polling
// stays in place as the fallback when a notification is lost.
package lock
