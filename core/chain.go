package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"
)

// ChainReceipt is the durable record of one finalized contract call: just
// enough to replay the chain from genesis, deliberately excluding the
// execution outcome (stores/logs/err) that a fresh replay recomputes.
type ChainReceipt struct {
	ContractName   string `json:"contract_name"`
	ContractMethod string `json:"contract_method"`
	Req            Args   `json:"req"`
}

func RequestsToReceipts(reqs []ContractRequest) []ChainReceipt {
	out := make([]ChainReceipt, len(reqs))
	for i, r := range reqs {
		out[i] = ChainReceipt{ContractName: r.Name, ContractMethod: r.Method, Req: r.Req}
	}
	return out
}

// Block is one link in the chain: a digest over its receipts and
// timestamp, explicitly NOT over previous_digest — the chain's integrity
// comes from storage linkage (insertBlock always overwrites "latest"),
// not from a hash chain over prior digests.
type Block struct {
	Digest         [32]byte      `json:"digest"`
	PreviousDigest [32]byte      `json:"previous_digest"`
	Receipts       []ChainReceipt `json:"receipts"`
	Time           int64         `json:"time"`
}

func hashReceipts(receipts []ChainReceipt, t int64) ([32]byte, error) {
	h := sha3.New256()
	for _, r := range receipts {
		reqJSON, err := json.Marshal(r.Req)
		if err != nil {
			return [32]byte{}, err
		}
		h.Write([]byte(r.ContractName))
		h.Write([]byte(r.ContractMethod))
		h.Write(reqJSON)
	}
	var timeBE [8]byte
	binary.BigEndian.PutUint64(timeBE[:], uint64(t))
	h.Write(timeBE[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// blockBuilder accumulates receipts for the block under construction,
// mirroring the reference implementation's append-then-seal flow.
type blockBuilder struct {
	receipts []ChainReceipt
}

func (b *blockBuilder) add(r ChainReceipt) { b.receipts = append(b.receipts, r) }

func (b *blockBuilder) build(previousDigest [32]byte, now int64) (Block, error) {
	digest, err := hashReceipts(b.receipts, now)
	if err != nil {
		return Block{}, err
	}
	return Block{
		Digest:         digest,
		PreviousDigest: previousDigest,
		Receipts:       b.receipts,
		Time:           now,
	}, nil
}

var latestBlockKey = []byte("latest_block")

func blockKey(digest [32]byte) []byte {
	return append([]byte("block"), digest[:]...)
}

// blockStore persists blocks keyed by digest, plus a "latest_block"
// pointer, through the generic Storage interface — mirroring the
// reference implementation's BlockStorage over its own Storage trait.
type blockStore struct {
	storage Storage
	log     *logrus.Logger
}

func newBlockStore(storage Storage, log *logrus.Logger) *blockStore {
	return &blockStore{storage: storage, log: log}
}

func (bs *blockStore) insertBlock(block Block, setLatest bool) error {
	serialized, err := json.Marshal(block)
	if err != nil {
		return err
	}
	if err := bs.storage.Set(blockKey(block.Digest), serialized); err != nil {
		return err
	}
	if setLatest {
		if err := bs.storage.Set(latestBlockKey, block.Digest[:]); err != nil {
			return err
		}
	}
	return nil
}

func (bs *blockStore) latestBlock() (Block, bool, error) {
	digestBytes, ok, err := bs.storage.Get(latestBlockKey)
	if err != nil || !ok {
		return Block{}, false, err
	}
	var digest [32]byte
	copy(digest[:], digestBytes)
	return bs.blockByDigest(digest)
}

func (bs *blockStore) blockByDigest(digest [32]byte) (Block, bool, error) {
	raw, ok, err := bs.storage.Get(blockKey(digest))
	if err != nil || !ok {
		return Block{}, false, err
	}
	var block Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return Block{}, false, err
	}
	return block, true, nil
}

// maybeBootstrap seeds the all-zero genesis block the first time a chain
// is opened against empty storage, logging the way the reference
// Go codebase logs its own WAL bootstrap: loud, once, at startup.
func (bs *blockStore) maybeBootstrap() error {
	if _, ok, err := bs.latestBlock(); err != nil {
		return err
	} else if ok {
		return nil
	}
	bs.log.Info("chain: no existing blocks found, bootstrapping genesis")
	return bs.insertBlock(Block{}, true)
}

// Chain tracks the finalized tip and appends new blocks built from a
// validator's finalized contract requests.
type Chain struct {
	storage  *blockStore
	finalize Block
}

func NewChain(storage Storage, log *logrus.Logger) (*Chain, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	bs := newBlockStore(storage, log)
	if err := bs.maybeBootstrap(); err != nil {
		return nil, fmt.Errorf("core: could not bootstrap chain: %w", err)
	}
	tip, ok, err := bs.latestBlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("core: could not bootstrap chain: no genesis block after bootstrap")
	}
	return &Chain{storage: bs, finalize: tip}, nil
}

func (c *Chain) InsertBlock(block Block) error {
	if err := c.storage.insertBlock(block, true); err != nil {
		return err
	}
	c.finalize = block
	return nil
}

// BlockWithTransactions seals a new block over receipts, chained off the
// current tip's digest. now is the caller-supplied wall-clock time in
// milliseconds (kept out of this function so it stays deterministic and
// testable without touching time.Now directly).
func (c *Chain) BlockWithTransactions(receipts []ChainReceipt, now int64) (Block, error) {
	b := &blockBuilder{receipts: receipts}
	return b.build(c.finalize.Digest, now)
}

func (c *Chain) Tip() Block { return c.finalize }
