package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// ContractRequest is one scheduled contract invocation, queued by name so
// that calls against the same contract serialize while calls against
// different contracts run concurrently.
type ContractRequest struct {
	Author [32]byte
	Name   string
	Method string
	Req    Args
	ID     int
}

type queueBucket struct {
	mu    sync.Mutex
	items []ContractRequest
}

// contractQueue is a per-contract-name LIFO, two-level locked so that a
// busy contract never blocks work queued against any other contract: the
// outer mutex only ever guards the bucket map itself, never a bucket's
// contents.
type contractQueue struct {
	mu      sync.Mutex
	buckets map[string]*queueBucket
}

func newContractQueue() *contractQueue {
	return &contractQueue{buckets: map[string]*queueBucket{}}
}

func (q *contractQueue) add(req ContractRequest) {
	q.mu.Lock()
	b, ok := q.buckets[req.Name]
	if !ok {
		b = &queueBucket{}
		q.buckets[req.Name] = b
	}
	q.mu.Unlock()

	b.mu.Lock()
	b.items = append(b.items, req)
	b.mu.Unlock()
}

// popAny pops the most recently queued request from the first bucket it
// can lock without waiting, skipping buckets currently held by a worker
// already draining them. Empty buckets are pruned while the outer lock
// is held, so a contract with no pending work leaves no trace in the map.
func (q *contractQueue) popAny() (ContractRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for name, b := range q.buckets {
		if !b.mu.TryLock() {
			continue
		}
		if len(b.items) == 0 {
			b.mu.Unlock()
			delete(q.buckets, name)
			continue
		}
		last := len(b.items) - 1
		req := b.items[last]
		b.items = b.items[:last]
		empty := len(b.items) == 0
		b.mu.Unlock()
		if empty {
			delete(q.buckets, name)
		}
		return req, true
	}
	return ContractRequest{}, false
}

func (q *contractQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buckets) == 0
}

// Executor is the concurrent contract-call runner: a fixed worker pool
// pulling from a contractQueue, each worker holding its own bytecode
// compile cache (workers never invalidate each other's cache — a
// contract update is only picked up once a worker's cache entry for that
// name is naturally evicted by restart). Idle workers poll on a sleeping
// backoff rather than busy-spinning.
type Executor struct {
	queue     *contractQueue
	contracts *ContractStore
	storage   Storage
	log       *logrus.Logger

	receiptsMu sync.Mutex
	receipts   []Receipt

	validMu sync.Mutex
	valid   map[int64]ContractRequest
	nextID  int64

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewExecutor(storage Storage, contracts *ContractStore, numWorkers int, log *logrus.Logger) *Executor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Executor{
		queue:     newContractQueue(),
		contracts: contracts,
		storage:   storage,
		log:       log,
		valid:     map[int64]ContractRequest{},
		stop:      make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	return e
}

// Schedule enqueues a call and returns its id. The request stays in the
// executor's valid set until a receipt for it comes back with an error,
// at which point Summary will no longer report it as a finalizable
// transaction.
func (e *Executor) Schedule(author [32]byte, name, method string, req Args) int64 {
	e.validMu.Lock()
	id := e.nextID
	e.nextID++
	r := ContractRequest{Author: author, Name: name, Method: method, Req: req, ID: int(id)}
	e.valid[id] = r
	e.validMu.Unlock()

	e.queue.add(r)
	return id
}

// Summary polls until the queue drains (or maxWait elapses), then returns
// every request that is still considered valid — ready to be folded into
// a block — along with the receipts produced since the last call.
func (e *Executor) Summary(pollInterval, maxWait time.Duration) (valid []ContractRequest, receipts []Receipt) {
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) && !e.queue.empty() {
		time.Sleep(pollInterval)
	}

	e.receiptsMu.Lock()
	receipts = e.receipts
	e.receipts = nil
	e.receiptsMu.Unlock()

	e.validMu.Lock()
	valid = make([]ContractRequest, 0, len(e.valid))
	for _, r := range e.valid {
		valid = append(valid, r)
	}
	e.valid = map[int64]ContractRequest{}
	e.validMu.Unlock()

	sort.Slice(valid, func(i, j int) bool { return valid[i].ID < valid[j].ID })
	return valid, receipts
}

func (e *Executor) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()
	cache := map[string]*Compiled{}
	backoff := time.Millisecond

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		req, ok := e.queue.popAny()
		if !ok {
			time.Sleep(backoff)
			if backoff < 50*time.Millisecond {
				backoff *= 2
			}
			continue
		}
		backoff = time.Millisecond
		e.runRequest(id, cache, req)
	}
}

// runRequest executes one contract call and always produces a receipt,
// even on failure. A panic inside a contract's VM run is recovered here
// and turned into an irrecoverable-error receipt: the worker itself
// keeps running rather than taking the whole process down with it.
func (e *Executor) runRequest(workerID int, cache map[string]*Compiled, req ContractRequest) {
	receipt := Receipt{ContractName: req.Name, ContractMethod: req.Method, Request: req.Req}

	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{"worker": workerID, "contract": req.Name, "method": req.Method}).
				Errorf("recovered from panic in contract execution: %v", r)
			receipt.Err = fmt.Errorf("%w: panic: %v", ErrContractIrrecoverable, r)
			e.finish(req.ID, receipt)
		}
	}()

	// Per §4.4, the caller identity is injected into the execution-time
	// args as a standard "from" field, overwriting whatever the caller
	// supplied. This is done on a copy: the request itself is immutable
	// and the receipt keeps the args as originally submitted.
	execArgs := injectAuthor(req.Req, req.Author)

	if req.Name == "native" {
		receipt.Err = ExecuteNative(e.contracts, req.Author, req.Method, execArgs)
		e.finish(req.ID, receipt)
		return
	}

	compiled, ok := cache[req.Name]
	if !ok {
		code, err := e.contracts.GetCode(req.Name)
		if err != nil {
			receipt.Err = err
			e.finish(req.ID, receipt)
			return
		}
		compiled, err = CompileSource(string(code))
		if err != nil {
			receipt.Err = fmt.Errorf("%w: %v", ErrContractIrrecoverable, err)
			e.finish(req.ID, receipt)
			return
		}
		cache[req.Name] = compiled
	}

	fn, ok := compiled.Functions[req.Method]
	if !ok {
		receipt.Err = fmt.Errorf("%w: no such method %q", ErrContractRecoverable, req.Method)
		e.finish(req.ID, receipt)
		return
	}

	if schema, err := e.contracts.GetSchema(req.Name); err == nil && schema != "" {
		if err := ValidateSchema(schema, execArgs); err != nil {
			receipt.Err = err
			e.finish(req.ID, receipt)
			return
		}
	}

	args, err := argsToU256(execArgs, fn.Params)
	if err != nil {
		receipt.Err = err
		e.finish(req.ID, receipt)
		return
	}

	record := &ContractRecord{Name: req.Name, Code: compiled.Code}
	vm, err := NewVM(record.Hash(), compiled.Code[fn.Offset:], args, e.storage)
	if err != nil {
		receipt.Err = err
		e.finish(req.ID, receipt)
		return
	}
	stores, err := vm.Run()
	if err != nil {
		receipt.Err = err
	} else if err := ApplyStores(e.storage, record.Hash(), stores); err != nil {
		receipt.Err = err
	}
	receipt.Stores = stores
	e.finish(req.ID, receipt)
}

func (e *Executor) finish(id int, receipt Receipt) {
	e.receiptsMu.Lock()
	e.receipts = append(e.receipts, receipt)
	e.receiptsMu.Unlock()

	if receipt.Err != nil {
		e.validMu.Lock()
		delete(e.valid, int64(id))
		e.validMu.Unlock()
	}
}

// injectAuthor returns a shallow copy of req with "from" overwritten by the
// base64 encoding of author, leaving the caller's original request map
// untouched (per §3, a ContractRequest is immutable after creation).
func injectAuthor(req Args, author [32]byte) Args {
	out := make(Args, len(req)+1)
	for k, v := range req {
		out[k] = v
	}
	out["from"] = base64.StdEncoding.EncodeToString(author[:])
	return out
}

// argsToU256 resolves a call's named arguments into the ordered list of
// 256-bit values the VM expects on its return stack, using the
// function's declared parameter order.
func argsToU256(req Args, params []string) ([]uint256.Int, error) {
	out := make([]uint256.Int, 0, len(params))
	for _, p := range params {
		raw, ok := req[p]
		if !ok {
			return nil, fmt.Errorf("%w: missing argument %q", ErrSchema, p)
		}
		var v uint256.Int
		switch t := raw.(type) {
		case json.Number:
			if err := v.SetFromDecimal(string(t)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSchema, err)
			}
		case string:
			if err := v.SetFromDecimal(t); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSchema, err)
			}
		case float64:
			v.SetUint64(uint64(t))
		default:
			return nil, fmt.Errorf("%w: unsupported argument type for %q", ErrSchema, p)
		}
		out = append(out, v)
	}
	return out, nil
}
