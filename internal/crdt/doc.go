// Package crdt replicates a doc.SessionDocument between devices.
//
// The document is flattened into leaf paths ("/transcription/progress",
// "/devices/<id>/role"); each leaf is a last-writer-wins register stamped with a
// Lamport counter and the writing actor. A Change groups the leaf writes of one local
// mutation under a single stamp and is identified by (actor, seq). Applying a change
// is idempotent and commutative, so replicas that have seen the same set of changes
// materialize identical documents regardless of delivery order.
//
// Objects recurse into paths; arrays and scalars are atomic leaves.
package crdt
