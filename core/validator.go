package core

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Validator orchestrates the pieces a node needs to take part in
// consensus: it schedules contract calls onto the executor, periodically
// folds whatever came back valid into a new block, and appends that
// block to the chain.
type Validator struct {
	exit      atomic.Bool
	chain     *Chain
	executor  *Executor
	contracts *ContractStore
}

// ValidatorOptions mirrors the fields spec.md's configuration recognizes
// under contracts_exec: how many worker goroutines to run and how the
// executor should poll for drained work.
type ValidatorOptions struct {
	Threads       int
	PollInterval  time.Duration
	SummaryMaxWait time.Duration
}

func DefaultValidatorOptions() ValidatorOptions {
	return ValidatorOptions{
		Threads:        4,
		PollInterval:   25 * time.Millisecond,
		SummaryMaxWait: 2 * time.Second,
	}
}

func NewValidator(storage Storage, opts ValidatorOptions, log *logrus.Logger) (*Validator, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	chain, err := NewChain(storage, log)
	if err != nil {
		return nil, err
	}
	contracts := NewContractStore(storage)
	executor := NewExecutor(storage, contracts, opts.Threads, log)
	return &Validator{chain: chain, executor: executor, contracts: contracts}, nil
}

func (v *Validator) Contracts() *ContractStore { return v.contracts }

func (v *Validator) ScheduleContract(author [32]byte, name, method string, req Args) int64 {
	return v.executor.Schedule(author, name, method, req)
}

// FinalizeContracts drains the executor and seals a new block over
// whatever requests are still considered valid, without appending it to
// the chain — useful for a leader that wants to inspect a block before
// committing it.
func (v *Validator) FinalizeContracts(opts ValidatorOptions) (Block, []Receipt, error) {
	valid, receipts := v.executor.Summary(opts.PollInterval, opts.SummaryMaxWait)
	block, err := v.chain.BlockWithTransactions(RequestsToReceipts(valid), time.Now().UnixMilli())
	return block, receipts, err
}

// FinalizeBlock finalizes pending contract calls and appends the
// resulting block to the chain in one step.
func (v *Validator) FinalizeBlock(opts ValidatorOptions) (Block, []Receipt, error) {
	block, receipts, err := v.FinalizeContracts(opts)
	if err != nil {
		return Block{}, receipts, err
	}
	if err := v.chain.InsertBlock(block); err != nil {
		return Block{}, receipts, err
	}
	return block, receipts, nil
}

func (v *Validator) Stop() {
	v.exit.Store(true)
	v.executor.Stop()
}

func (v *Validator) Stopped() bool { return v.exit.Load() }
