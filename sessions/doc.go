// Package sessions turns a successful presentation verification into a
// short-lived, revocable session bound to the attributes the holder
// disclosed, and owns every mutation of that session afterwards.
//
// # Lifecycle
//
//	Active  -> Expired      (lazy: detected when the session is read)
//	Active  -> Invalidated  (explicit, terminal)
//
// A session's attributes, holder and credential ids are fixed at creation.
// Only ExpiresAt (through Extend) and LastAccessedAt (through Get) change
// afterwards. Expiry is decided by the Manager's clock at read time; the
// sweeper only reclaims storage and validity never depends on it running.
//
// # Stores
//
// The Manager always keeps a process-local MemoryStore. An optional shared
// Store (redisstore) makes sessions visible across processes and is then
// the source of truth for reads. When the shared store fails during create,
// extend or touch the operation still succeeds against the local copy, and
// the session is marked degraded: from then on it is a single-process
// session served only from local state.
//
// # Extension
//
// Extend is linearizable per session id: MemoryStore serializes it under a
// mutex and redisstore applies it with a Lua script, so concurrent
// extensions never lose updates.
//
// # Operational metadata
//
// MetadataCache keeps advisory counters (access and extension counts) in a
// storage.Storage. It is best effort: its failures are logged and never
// affect the session lifecycle.
package sessions
