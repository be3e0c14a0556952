// Package blackboard provides the shared artifact store for Flock.
//
// # Overview
//
// The blackboard is the append-only workspace that decouples producers from
// consumers. Agents never talk to each other directly: they publish typed
// artifacts and react to artifacts published by others. Every artifact carries
// provenance (producer, created_at, a store-assigned sequence number) and an
// access-control descriptor that is evaluated at read time.
//
// # Core Concepts
//
// Artifacts are immutable once published. Only their consumed-by bookkeeping
// may change, which is how the orchestrator guarantees at-most-once delivery
// to plain subscriptions.
//
// Types are registered up front in a SchemaRegistry. Publishing a payload for an
// unregistered type, or one that does not match its schema, fails with a
// SchemaError and never reaches the store.
//
// Visibility decides whether a reader (an Identity) may see an artifact:
// public, private to a set of agents, scoped to a tenant, gated on labels, or
// hidden until a delay has elapsed.
//
// # Backends
//
// The Blackboard facade owns validation, identity and timestamps. Storage is
// delegated to a Backend:
//
//   - MemoryBackend: process-local, used by tests and single-shot runs
//   - SQLiteBackend: embedded file store (one row per artifact)
//   - RedisBackend: networked store shared between processes, with a Pub/Sub
//     channel announcing every append
//
// Every backend linearizes appends by assigning a strictly increasing sequence
// number, which is the tie-breaker for artifacts created in the same instant.
//
// # Usage Example
//
//	schemas := blackboard.NewSchemaRegistry()
//	_ = blackboard.RegisterType[Order](schemas, "Order")
//
//	board := blackboard.New(blackboard.NewMemoryBackend(), schemas)
//	draft, _ := blackboard.NewDraft("Order", Order{ID: 1, Customer: "A"})
//	artifact, err := board.Publish(ctx, draft, blackboard.ExternalProducer)
//
// # Redis Schema
//
// All Redis keys and channels are namespaced by instance name so several Flock
// instances can share one server:
//
//	flock:{instance}:artifact:{id}           hash    artifact fields
//	flock:{instance}:artifact:{id}:consumed  set     agent ids that consumed it
//	flock:{instance}:seq                     string  sequence counter (INCR)
//	flock:{instance}:log                     zset    artifact ids scored by seq
//	flock:{instance}:type:{type}             zset    per-type index scored by seq
//	flock:{instance}:artifact_events         channel full artifact JSON per append
package blackboard
