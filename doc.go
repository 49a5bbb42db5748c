// Package bookd is the persistence core of a multi-tenant booking and
// storefront platform. It keeps chat/agent sessions and booking slots
// consistent under concurrent writers by combining per-resource advisory
// locks with optimistic versioning, encrypts message payloads at rest, and
// serves decrypted session snapshots through an in-process TTL cache.
//
// The entry point is New, which assembles a Platform from a Config: a store
// backend selected by URL scheme (memory:// or postgres://), the field
// encryption helper, and the session and booking services on top.
package bookd
