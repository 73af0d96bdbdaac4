// Package cacheaside implements get-or-load-and-store caching over a shared
// store.
//
// A Cache[T] looks a key up in the store and decodes the value with its
// Codec. On a miss it calls the caller's Loader and writes the result back
// with the TTL its Policy assigns to the key's namespace. Loaders reporting
// an absent value are never cached. Concurrent misses on the same key may
// each call the loader; use a lock.Locker around the call when that matters.
package cacheaside
