// Package crdt defines the document contract the session manager replicates
// over, and a last-writer-wins map implementing it. The session treats state
// and updates as opaque bytes; the only law it relies on is that applying
// updates is commutative, associative and idempotent.
package crdt

// UpdateHandler observes updates applied to a document. origin identifies
// where the update came from: the empty string for local writes, or the peer
// id the update was received from. Subscribers fanning updates out to peers
// must filter on origin, otherwise every received update is echoed straight
// back to its sender.
type UpdateHandler func(update []byte, origin string)

// Document is the replicated state the session manager exchanges.
type Document interface {
	// EncodeState returns the full current state as a single update.
	EncodeState() []byte

	// ApplyUpdate merges an update into the document, tagging the
	// application with origin for observers.
	ApplyUpdate(update []byte, origin string) error

	// Subscribe registers a handler for every applied update, local and
	// remote. The returned function cancels the subscription.
	Subscribe(h UpdateHandler) (cancel func())
}
