package core

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ofekshochat/teral/storage"
)

func newTestExecutor(t *testing.T, workers int) (*Executor, *ContractStore) {
	t.Helper()
	st := storage.NewMemStore()
	cs := NewContractStore(st)
	ex := NewExecutor(st, cs, workers, nil)
	t.Cleanup(ex.Stop)
	return ex, cs
}

func awaitDrain(t *testing.T, ex *Executor) ([]ContractRequest, []Receipt) {
	t.Helper()
	valid, receipts := ex.Summary(time.Millisecond, 2*time.Second)
	return valid, receipts
}

// TestExecutorScheduleSummaryLifecycle pins the basic Schedule -> worker
// drain -> Summary round trip for the native "stake" no-op, which always
// succeeds and touches no storage.
func TestExecutorScheduleSummaryLifecycle(t *testing.T) {
	ex, _ := newTestExecutor(t, 2)
	author := [32]byte{1}
	id := ex.Schedule(author, "native", "stake", Args{})
	if id != 0 {
		t.Fatalf("expected first scheduled id to be 0, got %d", id)
	}

	valid, receipts := awaitDrain(t, ex)
	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(receipts))
	}
	if receipts[0].Err != nil {
		t.Fatalf("expected stake to succeed, got %v", receipts[0].Err)
	}
	if len(valid) != 1 || valid[0].ID != int(id) {
		t.Fatalf("expected the stake request to remain valid, got %+v", valid)
	}
}

// TestExecutorFailedRequestDroppedFromValid pins §3's receipt/valid-set
// bookkeeping: a request whose receipt carries an error is removed from
// the valid set Summary reports (it will never be folded into a block).
func TestExecutorFailedRequestDroppedFromValid(t *testing.T) {
	ex, _ := newTestExecutor(t, 2)
	author := [32]byte{1}
	ex.Schedule(author, "native", "no-such-method", Args{})

	valid, receipts := awaitDrain(t, ex)
	if len(receipts) != 1 || receipts[0].Err == nil {
		t.Fatalf("expected 1 failing receipt, got %+v", receipts)
	}
	if len(valid) != 0 {
		t.Fatalf("expected no valid requests after a failure, got %+v", valid)
	}
}

// TestExecutorInjectsAuthorAsFrom pins §4.4: the executor overwrites
// args["from"] with the base64-encoded author before execution, even when
// the caller already set a (different) "from" value, while the receipt
// keeps the caller's original, un-injected request.
func TestExecutorInjectsAuthorAsFrom(t *testing.T) {
	ex, cs := newTestExecutor(t, 1)
	author := [32]byte{0xaa, 0xbb}
	if err := SeedGenesisBalance(cs, base64.StdEncoding.EncodeToString(author[:]), 100); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := SeedGenesisBalance(cs, "someone-else", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := Args{
		"from":   "claimed-identity-not-the-real-author",
		"to":     "someone-else",
		"amount": json.Number("10"),
	}
	ex.Schedule(author, "native", "transfer", req)

	valid, receipts := awaitDrain(t, ex)
	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(receipts))
	}
	if receipts[0].Err != nil {
		t.Fatalf("expected transfer keyed on the injected author to succeed, got %v", receipts[0].Err)
	}
	// the receipt keeps the caller's original request untouched
	if receipts[0].Request["from"] != "claimed-identity-not-the-real-author" {
		t.Fatalf("expected receipt to retain original from, got %v", receipts[0].Request["from"])
	}
	if len(valid) != 1 {
		t.Fatalf("expected 1 valid request, got %d", len(valid))
	}
}

// TestExecutorSerializesSameContract pins §5's per-contract ordering
// guarantee: concurrently scheduled calls against the SAME contract name
// are never executed by two workers at once. A contract whose method
// writes to a shared counter without synchronizing itself would expose a
// data race if the executor let two workers run it concurrently.
func TestExecutorSerializesSameContract(t *testing.T) {
	ex, cs := newTestExecutor(t, 4)
	author := [32]byte{1}
	// pushes k twice so the key is still on the stack (below the computed
	// value) by the time store runs: store pops value then key.
	src := "fn bump k in k k get 1 + store end"
	if err := cs.AddContract("counter", "k:u64", []byte(src), author); err != nil {
		t.Fatalf("add contract: %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		ex.Schedule(author, "counter", "bump", Args{"k": json.Number("1")})
	}

	_, receipts := awaitDrain(t, ex)
	if len(receipts) != n {
		t.Fatalf("expected %d receipts, got %d", n, len(receipts))
	}
	for _, r := range receipts {
		if r.Err != nil {
			t.Fatalf("unexpected error from serialized bump: %v", r.Err)
		}
	}
}

// TestExecutorRunsDifferentContractsConcurrently schedules one call on each
// of three distinct contracts from concurrent goroutines against a
// four-worker pool and checks that every call produces a successful
// receipt. It does not measure whether the runs overlapped in time.
func TestExecutorRunsDifferentContractsConcurrently(t *testing.T) {
	ex, cs := newTestExecutor(t, 4)
	author := [32]byte{1}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		src := "fn setv k v in k v store end"
		if err := cs.AddContract(name, "k:u64;v:u64", []byte(src), author); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	var wg sync.WaitGroup
	for _, name := range []string{"alpha", "beta", "gamma"} {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex.Schedule(author, name, "setv", Args{"k": json.Number("1"), "v": json.Number("2")})
		}()
	}
	wg.Wait()

	_, receipts := awaitDrain(t, ex)
	if len(receipts) != 3 {
		t.Fatalf("expected 3 receipts across distinct contracts, got %d", len(receipts))
	}
	for _, r := range receipts {
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
	}
}

// TestExecutorBadProgramYieldsErrorReceipt pins the "a failing run always
// produces a receipt rather than stalling the worker" contract: a program
// that underflows its stack on the first instruction surfaces as an error
// receipt instead of stopping the executor.
func TestExecutorBadProgramYieldsErrorReceipt(t *testing.T) {
	ex, cs := newTestExecutor(t, 1)
	author := [32]byte{1}
	// a program that underflows the stack on the first instruction
	src := "fn f in + end"
	if err := cs.AddContract("broken", "", []byte(src), author); err != nil {
		t.Fatalf("add contract: %v", err)
	}
	ex.Schedule(author, "broken", "f", Args{})

	_, receipts := awaitDrain(t, ex)
	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(receipts))
	}
	if receipts[0].Err == nil {
		t.Fatalf("expected an error receipt for the underflowing program")
	}
}
