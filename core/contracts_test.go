package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ofekshochat/teral/storage"
)

func newTestContractStore(t *testing.T) *ContractStore {
	t.Helper()
	return NewContractStore(storage.NewMemStore())
}

func balanceOf(t *testing.T, cs *ContractStore, account string) int64 {
	t.Helper()
	seg, ok, err := cs.NativeGetSegment(account)
	if err != nil {
		t.Fatalf("get segment %q: %v", account, err)
	}
	if !ok {
		return 0
	}
	n, _ := seg["balance"].(json.Number)
	v, _ := n.Int64()
	return v
}

// TestNativeTransferConservesSupply pins §8's conservation property: a
// successful transfer decreases the sender's balance and increases the
// receiver's by exactly the transferred amount, and total supply across
// the two accounts is unchanged.
func TestNativeTransferConservesSupply(t *testing.T) {
	cs := newTestContractStore(t)
	if err := SeedGenesisBalance(cs, "alice", 100); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := SeedGenesisBalance(cs, "bob", 10); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := Args{"from": "alice", "to": "bob", "amount": json.Number("30")}
	if err := ExecuteNative(cs, [32]byte{}, "transfer", req); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got := balanceOf(t, cs, "alice"); got != 70 {
		t.Fatalf("expected alice to have 70, got %d", got)
	}
	if got := balanceOf(t, cs, "bob"); got != 40 {
		t.Fatalf("expected bob to have 40, got %d", got)
	}
}

// TestNativeTransferInsufficientBalanceChangesNeither pins the failure
// half of the conservation property: a transfer that fails (insufficient
// balance) leaves both accounts exactly as they were.
func TestNativeTransferInsufficientBalanceChangesNeither(t *testing.T) {
	cs := newTestContractStore(t)
	if err := SeedGenesisBalance(cs, "alice", 5); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := SeedGenesisBalance(cs, "bob", 10); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := Args{"from": "alice", "to": "bob", "amount": json.Number("30")}
	err := ExecuteNative(cs, [32]byte{}, "transfer", req)
	if err == nil {
		t.Fatalf("expected an insufficient-balance error")
	}
	if !errors.Is(err, ErrContractRecoverable) {
		t.Fatalf("expected ErrContractRecoverable, got %v", err)
	}

	if got := balanceOf(t, cs, "alice"); got != 5 {
		t.Fatalf("expected alice unchanged at 5, got %d", got)
	}
	if got := balanceOf(t, cs, "bob"); got != 10 {
		t.Fatalf("expected bob unchanged at 10, got %d", got)
	}
}

// TestNativeTransferUnknownSenderFails pins the "unknown account has no
// balance segment yet" rejection path, distinct from insufficient balance.
func TestNativeTransferUnknownSenderFails(t *testing.T) {
	cs := newTestContractStore(t)
	req := Args{"from": "nobody", "to": "bob", "amount": json.Number("1")}
	if err := ExecuteNative(cs, [32]byte{}, "transfer", req); !errors.Is(err, ErrContractRecoverable) {
		t.Fatalf("expected ErrContractRecoverable for an unknown sender, got %v", err)
	}
}

// TestNativeAddFirstRegistrationBecomesAuthor pins §4.3's "add" contract:
// the first caller to register a contract name becomes its immutable
// author.
func TestNativeAddFirstRegistrationBecomesAuthor(t *testing.T) {
	cs := newTestContractStore(t)
	author := [32]byte{1}
	req := Args{"name": "widget", "code": "fn f in end", "schema": ""}
	if err := ExecuteNative(cs, author, "add", req); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := cs.GetAuthor("widget")
	if err != nil {
		t.Fatalf("get author: %v", err)
	}
	if got != author {
		t.Fatalf("expected %x to be recorded as author, got %x", author, got)
	}
}

// TestNativeAddRejectsAuthorMismatch pins the re-registration guard: once
// a contract name has an author, a different author may not overwrite it.
func TestNativeAddRejectsAuthorMismatch(t *testing.T) {
	cs := newTestContractStore(t)
	original := [32]byte{1}
	impostor := [32]byte{2}
	req := Args{"name": "widget", "code": "fn f in end", "schema": ""}
	if err := ExecuteNative(cs, original, "add", req); err != nil {
		t.Fatalf("initial add: %v", err)
	}

	err := ExecuteNative(cs, impostor, "add", req)
	if !errors.Is(err, ErrContractRecoverable) {
		t.Fatalf("expected ErrContractRecoverable for an author mismatch, got %v", err)
	}
}

// TestNativeAddSameAuthorCanUpdate pins the complement: the original
// author re-registering the same name (e.g. to ship new code) succeeds.
func TestNativeAddSameAuthorCanUpdate(t *testing.T) {
	cs := newTestContractStore(t)
	author := [32]byte{1}
	first := Args{"name": "widget", "code": "fn f in end", "schema": ""}
	if err := ExecuteNative(cs, author, "add", first); err != nil {
		t.Fatalf("initial add: %v", err)
	}
	second := Args{"name": "widget", "code": "fn f in 1 end", "schema": ""}
	if err := ExecuteNative(cs, author, "add", second); err != nil {
		t.Fatalf("expected same-author update to succeed, got %v", err)
	}

	code, err := cs.GetCode("widget")
	if err != nil {
		t.Fatalf("get code: %v", err)
	}
	if string(code) != "fn f in 1 end" {
		t.Fatalf("expected updated code to be persisted, got %q", code)
	}
}

// TestNativeAddRejectsUncompilableCode pins the "add validates the code
// compiles before persisting it" guard.
func TestNativeAddRejectsUncompilableCode(t *testing.T) {
	cs := newTestContractStore(t)
	req := Args{"name": "broken", "code": "fn f in", "schema": ""}
	if err := ExecuteNative(cs, [32]byte{1}, "add", req); !errors.Is(err, ErrContractRecoverable) {
		t.Fatalf("expected ErrContractRecoverable for uncompilable code, got %v", err)
	}
	if _, err := cs.GetCode("broken"); err == nil {
		t.Fatalf("expected uncompilable code to never be persisted")
	}
}

func TestNativeAddRejectsBadSchema(t *testing.T) {
	cs := newTestContractStore(t)
	req := Args{"name": "widget", "code": "fn f in end"} // missing "schema"
	if err := ExecuteNative(cs, [32]byte{1}, "add", req); !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema for a missing field, got %v", err)
	}
}

// TestNativeAddRejectsMalformedSchemaSyntax pins the "add validates schema
// syntax" guard: a schema that isn't valid "name:type;name:type" (missing a
// colon, or an unrecognized type tag) must be rejected before persisting,
// distinct from TestNativeAddRejectsBadSchema's missing-field case above.
func TestNativeAddRejectsMalformedSchemaSyntax(t *testing.T) {
	for _, schema := range []string{"name;notype", "x:nosuchtype"} {
		cs := newTestContractStore(t)
		req := Args{"name": "widget", "code": "fn f in end", "schema": schema}
		if err := ExecuteNative(cs, [32]byte{1}, "add", req); !errors.Is(err, ErrContractRecoverable) {
			t.Fatalf("schema %q: expected ErrContractRecoverable, got %v", schema, err)
		}
		if _, err := cs.GetCode("widget"); err == nil {
			t.Fatalf("schema %q: expected malformed schema to never be persisted", schema)
		}
	}
}

// TestNativeStakeIsNoOp pins §4.3's "stake" contract: schema-free, always
// succeeds, touches no storage.
func TestNativeStakeIsNoOp(t *testing.T) {
	cs := newTestContractStore(t)
	if err := ExecuteNative(cs, [32]byte{1}, "stake", Args{"anything": "goes"}); err != nil {
		t.Fatalf("expected stake to always succeed, got %v", err)
	}
}

func TestNativeUnknownMethodFails(t *testing.T) {
	cs := newTestContractStore(t)
	if err := ExecuteNative(cs, [32]byte{1}, "no-such-method", Args{}); !errors.Is(err, ErrContractRecoverable) {
		t.Fatalf("expected ErrContractRecoverable for an unknown method, got %v", err)
	}
}
