// Package gossip defines the wire boundary between the networking layer
// (external to this module, per spec §1/§6) and the core contract
// execution pipeline. Teral's core never parses wire formats itself — it
// only consumes the already-decoded ContractRequest a host built from a
// Message's payload.
package gossip

// Message is a single inbound gossip payload: a pre-verified 32-byte
// author public key and an opaque message body the outer host decodes
// into a core.ContractRequest. Signature verification and peer fanout
// happen entirely outside this module.
type Message struct {
	Author  [32]byte
	Payload []byte
}
