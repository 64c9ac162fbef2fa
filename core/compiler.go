package core

import (
	"fmt"
	"strconv"
	"strings"
)

// --- Lexer -----------------------------------------------------------------

// numType is the numeric literal suffix (`_u8`, `_u32`, ...); bare numbers
// default to U256.
type numType int

const (
	typeU256 numType = iota
	typeU64
	typeU32
	typeU16
	typeU8
)

func (t numType) byteCount() uint8 {
	switch t {
	case typeU256:
		return 32
	case typeU64:
		return 8
	case typeU32:
		return 4
	case typeU16:
		return 2
	case typeU8:
		return 1
	}
	return 32
}

func parseNumType(s string) (numType, error) {
	switch s {
	case "u256":
		return typeU256, nil
	case "u64":
		return typeU64, nil
	case "u32":
		return typeU32, nil
	case "u16":
		return typeU16, nil
	case "u8":
		return typeU8, nil
	}
	return 0, fmt.Errorf("%w: %q is not a type", ErrCantInterpret, s)
}

type binOp int

const (
	binSub binOp = iota
	binAdd
	binMul
	binDiv
	binLt
	binGt
	binLeq
	binGeq
	binEq
)

type keyword int

const (
	kwMapping keyword = iota
	kwLet
	kwPeek
	kwEnd
	kwIf
	kwElse
	kwFnk
	kwGet
	kwStore
	kwDup
	kwRequire
	kwIn
	kwIszero
)

var keywordTable = map[string]keyword{
	"mapping": kwMapping,
	"let":     kwLet,
	"peek":    kwPeek,
	"end":     kwEnd,
	"if":      kwIf,
	"else":    kwElse,
	"fn":      kwFnk,
	"get":     kwGet,
	"store":   kwStore,
	"dup":     kwDup,
	"require": kwRequire,
	"in":      kwIn,
	"iszero":  kwIszero,
}

type tokenKind int

const (
	tokKeyword tokenKind = iota
	tokType
	tokNum
	tokOp
	tokIdent
)

// token is a single lexed word. value holds the literal source text for
// idents and the (already suffix-stripped) digits for numeric literals.
type token struct {
	kind    tokenKind
	keyword keyword
	typ     numType
	base    int
	op      binOp
	value   string
}

// lex splits src on whitespace and classifies each word, mirroring the
// retrieved reference lexer's single-pass, whitespace-delimited tokenizer.
func lex(src string) ([]token, error) {
	words := strings.Fields(src)
	toks := make([]token, 0, len(words))
	for _, w := range words {
		tok, err := lexWord(w)
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
	}
	return toks, nil
}

func lexWord(w string) (token, error) {
	if w == "" {
		return token{}, fmt.Errorf("%w: empty word", ErrUnexpectedEOW)
	}
	c := rune(w[0])
	switch {
	case isAlpha(c) || c == '_':
		return lexIdentifier(w)
	case c >= '0' && c <= '9':
		return lexNumber(w)
	case w == "==":
		return token{kind: tokOp, op: binEq, value: w}, nil
	case w == "-":
		return token{kind: tokOp, op: binSub, value: w}, nil
	case w == "+":
		return token{kind: tokOp, op: binAdd, value: w}, nil
	case w == "*":
		return token{kind: tokOp, op: binMul, value: w}, nil
	case w == "/":
		return token{kind: tokOp, op: binDiv, value: w}, nil
	case w == "<":
		return token{kind: tokOp, op: binLt, value: w}, nil
	case w == "<=":
		return token{kind: tokOp, op: binLeq, value: w}, nil
	case w == ">":
		return token{kind: tokOp, op: binGt, value: w}, nil
	case w == ">=":
		return token{kind: tokOp, op: binGeq, value: w}, nil
	default:
		return token{}, fmt.Errorf("%w: %q", ErrCantInterpret, w)
	}
}

func isAlpha(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlnumOrUnderscore(c rune) bool {
	return isAlpha(c) || c == '_' || (c >= '0' && c <= '9')
}

func lexIdentifier(w string) (token, error) {
	if kw, ok := keywordTable[w]; ok {
		return token{kind: tokKeyword, keyword: kw, value: w}, nil
	}
	if typ, err := parseNumType(w); err == nil {
		return token{kind: tokType, typ: typ, value: w}, nil
	}
	for _, c := range w {
		if !isAlnumOrUnderscore(c) {
			return token{}, fmt.Errorf("%w: %q is not a valid identifier", ErrCantInterpret, w)
		}
	}
	return token{kind: tokIdent, value: w}, nil
}

// lexNumber handles decimal and `0x`-prefixed hex literals, with an
// optional `_uN` type suffix (defaulting to u256 when absent).
func lexNumber(w string) (token, error) {
	base := 10
	digits := w
	if strings.HasPrefix(w, "0x") {
		base = 16
		digits = w[2:]
	}

	end := 0
	for end < len(digits) {
		if _, err := strconv.ParseUint(string(digits[end]), base, 64); err != nil {
			break
		}
		end++
	}

	typ := typeU256
	value := digits
	if end < len(digits) && digits[end] == '_' {
		suffix := digits[end+1:]
		t, err := parseNumType(suffix)
		if err != nil {
			return token{}, err
		}
		typ = t
		value = digits[:end]
	}

	return token{kind: tokNum, typ: typ, base: base, value: value}, nil
}

// --- Compiler ----------------------------------------------------------

// functionInfo records where a declared function's body begins in the
// compiled bytecode and the names of its bound parameters, in declaration
// order.
type functionInfo struct {
	Offset int
	Params []string
}

// Compiled is the result of compiling one contract's source: the bytecode
// and the entry offset for each declared function.
type Compiled struct {
	Code      []byte
	Functions map[string]functionInfo
}

// compiler performs a single forward pass over the token stream, emitting
// bytecode and backpatching forward jumps for if/if-else.
type compiler struct {
	input     []token
	index     int
	functions map[string]functionInfo
	output    []byte
	bound     []string
}

// CompileSource lexes and compiles a contract source string into bytecode,
// per the grammar of §4.2: top-level `mapping <name>` declarations and
// `fn <name> <params...> in ... end` function bodies.
func CompileSource(src string) (*Compiled, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	c := &compiler{input: toks, functions: make(map[string]functionInfo)}
	for !c.shouldStop() {
		if err := c.advanceTopLevel(); err != nil {
			return nil, err
		}
	}
	return &Compiled{Code: c.output, Functions: c.functions}, nil
}

func (c *compiler) shouldStop() bool { return c.index >= len(c.input) }

func (c *compiler) bump() (token, error) {
	if c.shouldStop() {
		return token{}, ErrShouldStop
	}
	c.index++
	return c.input[c.index-1], nil
}

func (c *compiler) first() token { return c.input[c.index] }

func (c *compiler) second() (token, error) {
	if c.index+1 >= len(c.input) {
		return token{}, ErrUnexpectedEOC
	}
	return c.input[c.index+1], nil
}

func (c *compiler) pushOpcode(kind Opkind) { c.pushOpcodeN(kind, 0) }

func (c *compiler) pushOpcodeN(kind Opkind, n uint8) {
	var b byte
	switch kind {
	case OpTerminate:
		b = byteTerminate
	case OpAdd:
		b = byteAdd
	case OpSub:
		b = byteSub
	case OpMul:
		b = byteMul
	case OpDiv:
		b = byteDiv
	case OpEqi:
		b = byteEqi
	case OpLt:
		b = byteLt
	case OpGt:
		b = byteGt
	case OpGeq:
		b = byteGeq
	case OpLeq:
		b = byteLeq
	case OpStore:
		b = byteStore
	case OpGet:
		b = byteGet
	case OpPush:
		b = encodePush(n)
	case OpSwap:
		b = encodeSwap(n)
	case OpMoveToReturn:
		b = encodeMoveToReturn(n)
	case OpCopyToReturn:
		b = encodeCopyToReturn(n)
	case OpCopyToMain:
		b = encodeCopyToMain(n)
	case OpClearReturn:
		b = byteClearRet
	case OpJumpif:
		b = byteJumpif
	case OpJumpifnot:
		b = byteJumpifnot
	case OpJump:
		b = byteJump
	case OpDup:
		b = byteDup
	case OpIszero:
		b = byteIszero
	}
	c.output = append(c.output, b)
}

// getParameters consumes tokens up to and including the terminating `in`
// keyword, returning the parameter names in declaration order.
func (c *compiler) getParameters() ([]string, error) {
	var params []string
	for {
		if _, err := c.bump(); err != nil {
			return nil, err
		}
		if c.shouldStop() {
			return nil, fmt.Errorf("%w: expected `in`", ErrUnexpectedEOC)
		}
		if c.first().kind == tokKeyword && c.first().keyword == kwIn {
			break
		}
		params = append(params, c.first().value)
	}
	if _, err := c.bump(); err != nil {
		return nil, err
	}
	return params, nil
}

func (c *compiler) function() error {
	if _, err := c.bump(); err != nil { // consume `fn`
		return err
	}
	name := c.first().value
	params, err := c.getParameters()
	if err != nil {
		return err
	}
	c.functions[name] = functionInfo{Offset: len(c.output), Params: append([]string(nil), params...)}
	c.bound = append(c.bound, params...)
	if err := c.advanceUntilEnd(); err != nil {
		return err
	}
	c.bound = c.bound[:len(c.bound)-len(params)]
	return nil
}

func (c *compiler) number(typ numType) error {
	raw := c.first().value
	base := 10
	if c.first().base == 16 {
		base = 16
	}
	n := typ.byteCount()
	c.pushOpcodeN(OpPush, n)

	val, err := strconv.ParseUint(raw, base, 64)
	if n == 32 || n > 8 {
		// u256 literals may exceed 64 bits; fall back to a big-int style
		// parse using the generic base parser and truncate/extend to 32
		// little-endian bytes.
		bi, ok := parseBigLE(raw, base, 32)
		if !ok {
			return fmt.Errorf("%w: %q as u256", ErrBaseParse, raw)
		}
		c.output = append(c.output, bi...)
		_, bumpErr := c.bump()
		return bumpErr
	}
	if err != nil {
		return fmt.Errorf("%w: %q as u%d", ErrBaseParse, raw, n*8)
	}
	le := make([]byte, n)
	for i := uint8(0); i < n; i++ {
		le[i] = byte(val >> (8 * i))
	}
	c.output = append(c.output, le...)
	_, err = c.bump()
	return err
}

// bindBlock lowers `let`/`peek` blocks: `let`/`peek` followed by bound
// names and `in`, a body, and `end`. `let` moves the top N values off the
// main stack onto the return stack (consuming them); `peek` copies them
// without consuming.
func (c *compiler) bindBlock(pop bool) error {
	names, err := c.getParameters()
	if err != nil {
		return err
	}
	n := uint8(len(names))
	if pop {
		c.pushOpcodeN(OpMoveToReturn, n)
	} else {
		c.pushOpcodeN(OpCopyToReturn, n)
	}
	c.bound = append(c.bound, names...)

	if err := c.advanceUntilEnd(); err != nil {
		return err
	}
	c.bound = c.bound[:len(c.bound)-len(names)]
	return nil
}

// identifier resolves a bound name to its absolute position in the return
// stack's backing array: reverse-search so shadowing rebinds resolve to
// the most recent binding.
func (c *compiler) identifier() error {
	name := c.first().value
	pos := -1
	for i := len(c.bound) - 1; i >= 0; i-- {
		if c.bound[i] == name {
			pos = i
			break
		}
	}
	if pos == -1 {
		return fmt.Errorf("%w: %q is not bound here", ErrUnexpectedToken, name)
	}
	// CopyToMain's byte family is 1-based like Push/Swap (see the comment on
	// the const block in virtual_machine.go): byte = copyMainBase-1+n, so
	// n=0 would encode to copyMainBase-1, which collides with byteJump.
	// pos is a 0-based locals index, so it's shifted up by one here and
	// back down by one in the VM's OpCopyToMain handler.
	c.pushOpcodeN(OpCopyToMain, uint8(pos+1))
	_, err := c.bump()
	return err
}

// ifStmt lowers `if ... [else ...] end` with forward-jump backpatching:
// a placeholder offset byte is emitted then overwritten once the jump
// target is known.
func (c *compiler) ifStmt() error {
	if _, err := c.bump(); err != nil { // consume `if`
		return err
	}
	c.pushOpcodeN(OpPush, 1)
	before := len(c.output)
	c.pushOpcode(OpJumpif)

	if err := c.advanceWhile(func(t token) bool {
		return !(t.kind == tokKeyword && (t.keyword == kwElse || t.keyword == kwEnd))
	}); err != nil {
		return err
	}

	withElse := c.input[c.index-1].kind == tokKeyword && c.input[c.index-1].keyword == kwElse
	if withElse {
		c.insertByte(before, byte(len(c.output)-before+2))
		c.pushOpcodeN(OpPush, 1)
		before2 := len(c.output)
		c.pushOpcode(OpJump)
		if err := c.advanceUntilEnd(); err != nil {
			return err
		}
		c.insertByte(before2, byte(len(c.output)-before2-1))
	} else {
		c.insertByte(before, byte(len(c.output)-before-1))
	}
	return nil
}

func (c *compiler) insertByte(at int, b byte) {
	c.output = append(c.output, 0)
	copy(c.output[at+1:], c.output[at:])
	c.output[at] = b
}

// op lowers a binary operator keyword. Leq lowers to Leq — the retrieved
// reference compiler mapped it to Geq by mistake; fixed here.
func (c *compiler) op(b binOp) error {
	switch b {
	case binSub:
		c.pushOpcode(OpSub)
	case binAdd:
		c.pushOpcode(OpAdd)
	case binMul:
		c.pushOpcode(OpMul)
	case binDiv:
		c.pushOpcode(OpDiv)
	case binLt:
		c.pushOpcode(OpLt)
	case binGt:
		c.pushOpcode(OpGt)
	case binGeq:
		c.pushOpcode(OpGeq)
	case binLeq:
		c.pushOpcode(OpLeq)
	case binEq:
		c.pushOpcode(OpEqi)
	}
	_, err := c.bump()
	return err
}

func (c *compiler) advanceUntilEnd() error {
	return c.advanceWhile(func(t token) bool {
		return !(t.kind == tokKeyword && t.keyword == kwEnd)
	})
}

func (c *compiler) advanceWhile(pred func(token) bool) error {
	if c.shouldStop() {
		return ErrUnexpectedEOC
	}
	for pred(c.first()) {
		if err := c.advanceWithinFunction(); err != nil {
			return err
		}
		if c.shouldStop() {
			return ErrUnexpectedEOC
		}
	}
	_, err := c.bump()
	return err
}

// require lowers to the literal sequence the grammar specifies:
// Push(1), byte 1, Jumpifnot, Terminate — Jumpifnot jumps over Terminate
// when the preceding condition is nonzero, so execution continues on a
// truthy condition and terminates on a zero one.
func (c *compiler) require() error {
	c.pushOpcodeN(OpPush, 1)
	c.output = append(c.output, 1)
	c.pushOpcode(OpJumpifnot)
	c.pushOpcode(OpTerminate)
	_, err := c.bump()
	return err
}

func (c *compiler) advanceWithinFunction() error {
	t := c.first()
	switch {
	case t.kind == tokNum:
		return c.number(t.typ)
	case t.kind == tokKeyword && t.keyword == kwLet:
		return c.bindBlock(true)
	case t.kind == tokKeyword && t.keyword == kwPeek:
		return c.bindBlock(false)
	case t.kind == tokKeyword && t.keyword == kwIf:
		return c.ifStmt()
	case t.kind == tokKeyword && t.keyword == kwRequire:
		return c.require()
	case t.kind == tokIdent:
		return c.identifier()
	case t.kind == tokKeyword && t.keyword == kwIszero:
		c.pushOpcode(OpIszero)
		_, err := c.bump()
		return err
	case t.kind == tokKeyword && t.keyword == kwGet:
		c.pushOpcode(OpGet)
		_, err := c.bump()
		return err
	case t.kind == tokKeyword && t.keyword == kwStore:
		c.pushOpcode(OpStore)
		_, err := c.bump()
		return err
	case t.kind == tokKeyword && t.keyword == kwDup:
		c.pushOpcode(OpDup)
		_, err := c.bump()
		return err
	case t.kind == tokOp:
		return c.op(t.op)
	default:
		return fmt.Errorf("%w: %v", ErrSyntaxError, t)
	}
}

// advanceTopLevel handles the two top-level declaration forms: `fn ...`
// and `mapping <name>`.
func (c *compiler) advanceTopLevel() error {
	t := c.first()
	switch {
	case t.kind == tokKeyword && t.keyword == kwFnk:
		return c.function()
	case t.kind == tokKeyword && t.keyword == kwMapping:
		second, err := c.second()
		if err != nil {
			return err
		}
		if second.kind != tokIdent {
			return fmt.Errorf("%w: %q", ErrUnexpectedToken, second.value)
		}
		c.bound = append(c.bound, second.value)
		if _, err := c.bump(); err != nil {
			return err
		}
		_, err = c.bump()
		return err
	default:
		return fmt.Errorf("%w: %v at top level", ErrUnexpectedToken, t)
	}
}

// parseBigLE parses digits in the given base into width little-endian
// bytes, for literals that may not fit in a uint64 (u256).
func parseBigLE(digits string, base int, width int) ([]byte, bool) {
	acc := make([]byte, width)
	for _, d := range digits {
		var v int
		switch {
		case d >= '0' && d <= '9':
			v = int(d - '0')
		case d >= 'a' && d <= 'f':
			v = int(d-'a') + 10
		case d >= 'A' && d <= 'F':
			v = int(d-'A') + 10
		default:
			return nil, false
		}
		if v >= base {
			return nil, false
		}
		carry := v
		for i := 0; i < width; i++ {
			prod := int(acc[i])*base + carry
			acc[i] = byte(prod & 0xff)
			carry = prod >> 8
		}
		if carry != 0 {
			return nil, false
		}
	}
	return acc, true
}
