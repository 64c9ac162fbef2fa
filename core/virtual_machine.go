// Package core implements the Teral contract execution pipeline: a small
// stack machine (this file), a single-pass compiler (compiler.go), native
// contracts (contracts.go), a concurrent executor (executor.go) and the
// block-building chain (chain.go).
package core

import (
	"fmt"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

const (
	stackSize       = 32
	returnStackSize = 32
)

// Opcode identifies a single bytecode instruction. Several opcodes are
// "families": a base byte plus an operand count n-1, covering push/swap/
// copy/move variants in one contiguous byte range.
type Opcode struct {
	kind Opkind
	n    uint8
}

// Opkind enumerates the instruction families. Push/Swap/MoveToReturn/
// CopyToReturn/CopyToMain carry an operand count in Opcode.n.
type Opkind uint8

const (
	OpTerminate Opkind = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpEqi
	OpLt
	OpGt
	OpGeq
	OpLeq
	OpStore
	OpGet
	OpPush
	OpSwap
	OpMoveToReturn
	OpCopyToReturn
	OpCopyToMain
	OpClearReturn
	OpJumpif
	OpJumpifnot
	OpJump
	OpDup
	OpIszero
)

// Byte-exact wire encoding for the bytecode format. Push/Swap/CopyToMain/
// MoveToReturn/CopyToReturn occupy contiguous byte ranges keyed by operand
// count n (1-based): byte = base + (n-1).
const (
	byteTerminate = 0x00
	byteAdd       = 0x01
	byteSub       = 0x02
	byteMul       = 0x03
	byteDiv       = 0x04
	byteStore     = 0x05
	byteGet       = 0x06
	pushBase      = 0x07 // 0x07..0x26
	pushMax       = 0x26
	swapBase      = 0x27 // 0x27..0x47
	swapMax       = 0x47
	byteJumpif    = 0x48
	byteJump      = 0x49
	copyMainBase  = 0x4a // 0x4a..0x6a
	copyMainMax   = 0x6a
	byteDup       = 0x6b
	byteClearRet  = 0x6c
	moveRetBase   = 0x6d // 0x6d..0x8d
	moveRetMax    = 0x8d
	copyRetBase   = 0x8e // 0x8e..0xae
	copyRetMax    = 0xae
	byteEqi       = 0xaf
	byteLt        = 0xb0
	byteGt        = 0xb1
	byteGeq       = 0xb2
	byteLeq       = 0xb3
	byteJumpifnot = 0xb4
	// byteIszero has no counterpart in the retrieved opcode table (it ends at
	// Jumpifnot=0xb4) even though the compiler already lowers the `iszero`
	// keyword to it. The next free byte is assigned to close the gap.
	byteIszero = 0xb5
)

// DecodeOpcode parses a single leading opcode byte, returning the decoded
// Opcode and true, or false if the byte is not a recognized instruction.
func DecodeOpcode(b byte) (Opcode, bool) {
	switch {
	case b == byteTerminate:
		return Opcode{kind: OpTerminate}, true
	case b == byteAdd:
		return Opcode{kind: OpAdd}, true
	case b == byteSub:
		return Opcode{kind: OpSub}, true
	case b == byteMul:
		return Opcode{kind: OpMul}, true
	case b == byteDiv:
		return Opcode{kind: OpDiv}, true
	case b == byteStore:
		return Opcode{kind: OpStore}, true
	case b == byteGet:
		return Opcode{kind: OpGet}, true
	case b >= pushBase && b <= pushMax:
		return Opcode{kind: OpPush, n: b - (pushBase - 1)}, true
	case b >= swapBase && b <= swapMax:
		return Opcode{kind: OpSwap, n: b - (swapBase - 1)}, true
	case b == byteJumpif:
		return Opcode{kind: OpJumpif}, true
	case b == byteJump:
		return Opcode{kind: OpJump}, true
	case b >= copyMainBase && b <= copyMainMax:
		return Opcode{kind: OpCopyToMain, n: b - (copyMainBase - 1)}, true
	case b == byteDup:
		return Opcode{kind: OpDup}, true
	case b == byteClearRet:
		return Opcode{kind: OpClearReturn}, true
	case b >= moveRetBase && b <= moveRetMax:
		return Opcode{kind: OpMoveToReturn, n: b - (moveRetBase - 1)}, true
	case b >= copyRetBase && b <= copyRetMax:
		return Opcode{kind: OpCopyToReturn, n: b - (copyRetBase - 1)}, true
	case b == byteEqi:
		return Opcode{kind: OpEqi}, true
	case b == byteLt:
		return Opcode{kind: OpLt}, true
	case b == byteGt:
		return Opcode{kind: OpGt}, true
	case b == byteGeq:
		return Opcode{kind: OpGeq}, true
	case b == byteLeq:
		return Opcode{kind: OpLeq}, true
	case b == byteJumpifnot:
		return Opcode{kind: OpJumpifnot}, true
	case b == byteIszero:
		return Opcode{kind: OpIszero}, true
	default:
		return Opcode{}, false
	}
}

func encodePush(n uint8) byte         { return pushBase - 1 + n }
func encodeSwap(n uint8) byte         { return swapBase - 1 + n }
func encodeCopyToMain(n uint8) byte   { return copyMainBase - 1 + n }
func encodeMoveToReturn(n uint8) byte { return moveRetBase - 1 + n }
func encodeCopyToReturn(n uint8) byte { return copyRetBase - 1 + n }

// stack is the VM's pair of fixed-size value stacks: a main evaluation
// stack and a return/locals stack used for function arguments and let/peek
// bindings. Both use a 1-based stack_pos so that stack_pos==1 means empty,
// matching the retrieved reference implementation exactly.
type stack struct {
	main      [stackSize]uint256.Int
	ret       [returnStackSize]uint256.Int
	mainPos   int
	returnPos int
}

func newStack() *stack {
	return &stack{mainPos: 1, returnPos: 1}
}

func (s *stack) pop() (uint256.Int, error) {
	if s.mainPos == 1 {
		return uint256.Int{}, ErrStackUnderflow
	}
	s.mainPos--
	v := s.main[s.mainPos-1]
	s.main[s.mainPos-1] = uint256.Int{}
	return v, nil
}

func (s *stack) push(v uint256.Int) error {
	if s.mainPos > stackSize {
		return ErrStackOverflow
	}
	s.main[s.mainPos-1] = v
	s.mainPos++
	return nil
}

func (s *stack) pushToReturn(v uint256.Int) error {
	if s.returnPos > returnStackSize {
		return ErrStackOverflow
	}
	s.ret[s.returnPos-1] = v
	s.returnPos++
	return nil
}

// swap exchanges the top of the value stack (index mainPos-2, matching
// push/pop's own indexing) with position nth, 1-based from the bottom.
func (s *stack) swap(nth uint8) {
	i, j := s.mainPos-2, int(nth)-1
	s.main[i], s.main[j] = s.main[j], s.main[i]
}

// dup duplicates the top of the value stack as an ordinary push: it reads
// the current top (mainPos-2) and pushes a copy, advancing mainPos exactly
// as push does.
func (s *stack) dup() error {
	if s.mainPos == 1 {
		return ErrStackUnderflow
	}
	if s.mainPos > stackSize {
		return ErrStackOverflow
	}
	s.main[s.mainPos-1] = s.main[s.mainPos-2]
	s.mainPos++
	return nil
}

// Receipt is the outcome of executing one contract invocation.
type Receipt struct {
	ContractName   string
	ContractMethod string
	Request        map[string]any
	Stores         []StoreOp
	Logs           []string
	Err            error
}

// StoreOp is a single pending (key, value) write collected during
// execution. The VM never writes through to storage directly — writes are
// buffered in Stores and applied by the executor once a run completes
// successfully, matching the reference VM's `stores: Vec<(U256, U256)>`.
type StoreOp struct {
	Key   uint256.Int
	Value uint256.Int
}

// VM executes a single contract's bytecode against a content-addressed
// storage slot namespace scoped to contractHash.
type VM struct {
	stack        *stack
	opcodes      []byte
	index        int
	storage      Storage
	terminated   bool
	stores       []StoreOp
	contractHash [32]byte
}

// NewVM constructs a VM over opcodes, scoped to contractHash for storage
// slot derivation, with args pre-loaded onto the return stack (so a
// contract's top-level `let`/`peek` bindings can address its call
// arguments positionally, exactly as the compiler expects).
func NewVM(contractHash [32]byte, opcodes []byte, args []uint256.Int, storage Storage) (*VM, error) {
	st := newStack()
	for _, a := range args {
		if err := st.pushToReturn(a); err != nil {
			return nil, err
		}
	}
	return &VM{
		stack:        st,
		opcodes:      opcodes,
		index:        0,
		storage:      storage,
		contractHash: contractHash,
	}, nil
}

func (v *VM) shouldStop() bool {
	return v.terminated || v.index >= len(v.opcodes)
}

func (v *VM) next() (Opcode, bool) {
	if v.shouldStop() {
		return Opcode{}, false
	}
	op, ok := DecodeOpcode(v.opcodes[v.index])
	v.index++
	return op, ok
}

// Run drives the VM to completion (Terminate or end of bytecode) and
// returns the pending storage writes it collected.
func (v *VM) Run() ([]StoreOp, error) {
	for !v.shouldStop() {
		if err := v.Advance(); err != nil {
			return nil, err
		}
	}
	return v.stores, nil
}

// Advance executes exactly one instruction.
func (v *VM) Advance() error {
	op, ok := v.next()
	if !ok {
		return ErrShouldStop
	}

	switch op.kind {
	case OpTerminate:
		v.terminated = true
	case OpAdd:
		rhs, err := v.stack.pop()
		if err != nil {
			return err
		}
		lhs, err := v.stack.pop()
		if err != nil {
			return err
		}
		var out uint256.Int
		out.Add(&lhs, &rhs)
		return v.stack.push(out)
	case OpSub:
		rhs, err := v.stack.pop()
		if err != nil {
			return err
		}
		lhs, err := v.stack.pop()
		if err != nil {
			return err
		}
		var out uint256.Int
		out.Sub(&lhs, &rhs)
		return v.stack.push(out)
	case OpMul:
		rhs, err := v.stack.pop()
		if err != nil {
			return err
		}
		lhs, err := v.stack.pop()
		if err != nil {
			return err
		}
		var out uint256.Int
		out.Mul(&lhs, &rhs)
		return v.stack.push(out)
	case OpDiv:
		rhs, err := v.stack.pop()
		if err != nil {
			return err
		}
		lhs, err := v.stack.pop()
		if err != nil {
			return err
		}
		var out uint256.Int
		// Div already yields zero for a zero divisor (EVM convention),
		// matching the explicit is_zero check in the reference VM.
		out.Div(&lhs, &rhs)
		return v.stack.push(out)
	case OpEqi:
		return v.pushBool(func(l, r *uint256.Int) bool { return l.Eq(r) })
	case OpLt:
		return v.pushBool(func(l, r *uint256.Int) bool { return l.Lt(r) })
	case OpGt:
		return v.pushBool(func(l, r *uint256.Int) bool { return l.Gt(r) })
	case OpGeq:
		return v.pushBool(func(l, r *uint256.Int) bool { return !l.Lt(r) })
	case OpLeq:
		return v.pushBool(func(l, r *uint256.Int) bool { return !l.Gt(r) })
	case OpIszero:
		x, err := v.stack.pop()
		if err != nil {
			return err
		}
		var out uint256.Int
		if x.IsZero() {
			out.SetOne()
		}
		return v.stack.push(out)
	case OpStore:
		value, err := v.stack.pop()
		if err != nil {
			return err
		}
		key, err := v.stack.pop()
		if err != nil {
			return err
		}
		v.stores = append(v.stores, StoreOp{Key: key, Value: value})
	case OpGet:
		key, err := v.stack.pop()
		if err != nil {
			return err
		}
		val, err := v.getFromStorage(1, key)
		if err != nil {
			return err
		}
		return v.stack.push(val)
	case OpPush:
		n := int(op.n)
		if v.index+n > len(v.opcodes) {
			return fmt.Errorf("%w: need %d more bytes, %d left", ErrExpectedValue, n, len(v.opcodes)-v.index)
		}
		var val uint256.Int
		val.SetBytes(reverseBytes(v.opcodes[v.index : v.index+n]))
		v.index += n
		return v.stack.push(val)
	case OpMoveToReturn:
		n := int(op.n)
		popped := make([]uint256.Int, n)
		for i := 0; i < n; i++ {
			x, err := v.stack.pop()
			if err != nil {
				return err
			}
			popped[i] = x
		}
		for i := n - 1; i >= 0; i-- {
			if err := v.stack.pushToReturn(popped[i]); err != nil {
				return err
			}
		}
	case OpCopyToReturn:
		n := int(op.n)
		start := v.stack.mainPos - 1 - n
		for i := 0; i < n; i++ {
			if err := v.stack.pushToReturn(v.stack.main[start+i]); err != nil {
				return err
			}
		}
	case OpCopyToMain:
		return v.stack.push(v.stack.ret[op.n-1])
	case OpClearReturn:
		v.stack.ret = [returnStackSize]uint256.Int{}
		v.stack.returnPos = 1
	case OpSwap:
		v.stack.swap(op.n)
	case OpJumpif:
		return v.jump(false)
	case OpJumpifnot:
		return v.jump(true)
	case OpJump:
		offset, err := v.stack.pop()
		if err != nil {
			return err
		}
		return v.applyJump(offset)
	case OpDup:
		return v.stack.dup()
	default:
		return fmt.Errorf("%w: opcode kind %d not handled", ErrCantInterpret, op.kind)
	}
	return nil
}

func (v *VM) pushBool(cmp func(l, r *uint256.Int) bool) error {
	rhs, err := v.stack.pop()
	if err != nil {
		return err
	}
	lhs, err := v.stack.pop()
	if err != nil {
		return err
	}
	var out uint256.Int
	if cmp(&lhs, &rhs) {
		out.SetOne()
	}
	return v.stack.push(out)
}

// jump implements both Jumpif and Jumpifnot, which share identical
// operand-popping order and bounds checking and differ only in which
// condition value triggers the jump: Jumpif jumps when cond == 0,
// Jumpifnot jumps when cond != 0 (jumpOnTruthy selects the latter).
func (v *VM) jump(jumpOnTruthy bool) error {
	offset, err := v.stack.pop()
	if err != nil {
		return err
	}
	cond, err := v.stack.pop()
	if err != nil {
		return err
	}
	trigger := cond.IsZero()
	if jumpOnTruthy {
		trigger = !trigger
	}
	if !trigger {
		return nil
	}
	return v.applyJump(offset)
}

func (v *VM) applyJump(offset uint256.Int) error {
	remaining := uint256.NewInt(uint64(len(v.opcodes) - v.index))
	if offset.Gt(remaining) {
		return fmt.Errorf("%w: target %d, length %d", ErrInvalidJump, offset.Uint64()+uint64(v.index), len(v.opcodes))
	}
	v.index += int(offset.Uint64())
	return nil
}

// getFromStorage derives the content-addressed slot for (mapIndex, key)
// within this contract's namespace and reads it: SHA3-256 over the
// 8-byte little-endian map index, the 32-byte little-endian key, and the
// 32-byte contract hash.
func (v *VM) getFromStorage(mapIndex uint64, key uint256.Int) (uint256.Int, error) {
	slot := storageSlot(mapIndex, key, v.contractHash)
	raw, ok, err := v.storage.Get(slot[:])
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %v", ErrGet, err)
	}
	if !ok {
		return uint256.Int{}, nil
	}
	var out uint256.Int
	out.SetBytes(reverseBytes(raw))
	return out, nil
}

// ApplyStores writes the buffered writes from a successful VM run through
// to storage, scoped to contractHash. The VM itself never writes through
// directly — Store only buffers into Stores — so a failed run never
// leaves partial writes behind.
func ApplyStores(storage Storage, contractHash [32]byte, stores []StoreOp) error {
	for _, op := range stores {
		slot := storageSlot(1, op.Key, contractHash)
		valueBE := op.Value.Bytes32()
		if err := storage.Set(slot[:], reverseBytes(valueBE[:])); err != nil {
			return err
		}
	}
	return nil
}

// storageSlot computes the content-addressed key a Store/Get at mapIndex
// and key resolves to for the given contract.
func storageSlot(mapIndex uint64, key uint256.Int, contractHash [32]byte) [32]byte {
	var mapIndexLE [8]byte
	for i := 0; i < 8; i++ {
		mapIndexLE[i] = byte(mapIndex >> (8 * i))
	}
	keyBE := key.Bytes32()
	keyLE := reverseBytes(keyBE[:])

	h := sha3.New256()
	h.Write(mapIndexLE[:])
	h.Write(keyLE)
	h.Write(contractHash[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// reverseBytes returns a reversed copy of b, used to convert between the
// big-endian byte order uint256.Int natively stores/reads and the
// little-endian wire format the bytecode and storage keys use.
func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}
