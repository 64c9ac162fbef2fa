package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var contractsLog = logrus.WithField("component", "contracts")

// authorAddress renders a 32-byte identity key as an Ethereum-style
// address for logging, the way the teacher's contract dispatch converts
// a raw caller identity to common.Address before acting on it.
func authorAddress(author [32]byte) common.Address {
	return common.BytesToAddress(author[:])
}

// Args is a contract call's request payload: a JSON object decoded into a
// generic map, per §3's "tagged-variant JSON-like value" data model.
type Args map[string]any

// Canonical returns the deterministic textual form of args used for
// receipt hashing. encoding/json.Marshal already serializes Go map keys
// in sorted order, so no bespoke canonicalizer is needed.
func Canonical(args Args) ([]byte, error) {
	return json.Marshal(args)
}

// ValidateSchema checks req against a schema string of the form
// "name:type;name:type", where type is one of "str", "u64", "i64".
func ValidateSchema(schema string, req Args) error {
	for _, field := range strings.Split(schema, ";") {
		name, typ, ok := strings.Cut(field, ":")
		if !ok {
			return ErrSchema
		}
		value, present := req[name]
		if !present {
			return ErrSchema
		}
		if !schemaTypeMatches(typ, value) {
			return ErrSchema
		}
	}
	return nil
}

// knownSchemaTypes are the primitive type tags a schema field may declare.
var knownSchemaTypes = map[string]bool{"str": true, "u64": true, "i64": true}

// ValidateSchemaSyntax checks that schema parses as "name:type;name:type"
// with every type one of the recognized primitive tags, independent of any
// request value. Native "add" (§4.3: "Validates schema syntax") runs this
// over a contract's self-declared schema before persisting it, the same
// name:type parsing ValidateSchema already applies per-field when checking
// a request against a schema.
func ValidateSchemaSyntax(schema string) error {
	if schema == "" {
		return nil
	}
	for _, field := range strings.Split(schema, ";") {
		name, typ, ok := strings.Cut(field, ":")
		if !ok || name == "" {
			return ErrSchema
		}
		if !knownSchemaTypes[typ] {
			return ErrSchema
		}
	}
	return nil
}

func schemaTypeMatches(typ string, value any) bool {
	switch typ {
	case "str":
		_, ok := value.(string)
		return ok
	case "u64", "i64":
		n, ok := value.(json.Number)
		if !ok {
			if f, ok := value.(float64); ok {
				return f == float64(int64(f))
			}
			return false
		}
		if typ == "u64" {
			_, err := n.Int64()
			return err == nil && !strings.HasPrefix(string(n), "-")
		}
		_, err := n.Int64()
		return err == nil
	default:
		return false
	}
}

// DecodeArgs parses a JSON request body into Args, preserving numbers as
// json.Number so schema validation can distinguish u64/i64 from floats.
func DecodeArgs(raw []byte) (Args, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return Args(m), nil
}

// ContractRecord is a deployed contract's stored metadata: its schema,
// compiled bytecode, function table and the author who registered it
// (immutable once set — see native "add").
type ContractRecord struct {
	Name      string
	Schema    string
	Code      []byte
	Functions map[string]functionInfo
	Author    [32]byte
}

func (c *ContractRecord) Hash() [32]byte {
	return sha256.Sum256(append([]byte(c.Name), c.Code...))
}

// ContractStore persists contract records and native-contract balance
// segments through a Storage backend, keyed the way the retrieved
// reference implementation keys them: "<name>entrypoint"/"schema"/
// "author" for deployed contracts, "native<key>" for native balances.
type ContractStore struct {
	storage Storage
}

func NewContractStore(storage Storage) *ContractStore {
	return &ContractStore{storage: storage}
}

func contractKey(name, field string) []byte { return []byte(name + field) }

func (cs *ContractStore) AddContract(name, schema string, code []byte, author [32]byte) error {
	if err := cs.storage.Set(contractKey(name, "entrypoint"), code); err != nil {
		return err
	}
	if err := cs.storage.Set(contractKey(name, "schema"), []byte(schema)); err != nil {
		return err
	}
	return cs.storage.Set(contractKey(name, "author"), author[:])
}

func (cs *ContractStore) GetCode(name string) ([]byte, error) {
	v, ok, err := cs.storage.Get(contractKey(name, "entrypoint"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGet
	}
	return v, nil
}

func (cs *ContractStore) GetSchema(name string) (string, error) {
	v, ok, err := cs.storage.Get(contractKey(name, "schema"))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrGet
	}
	return string(v), nil
}

func (cs *ContractStore) GetAuthor(name string) ([32]byte, error) {
	var out [32]byte
	v, ok, err := cs.storage.Get(contractKey(name, "author"))
	if err != nil {
		return out, err
	}
	if !ok {
		return out, ErrGet
	}
	copy(out[:], v)
	return out, nil
}

func nativeKey(key string) []byte { return []byte("native" + key) }

func (cs *ContractStore) NativeGetSegment(key string) (Args, bool, error) {
	v, ok, err := cs.storage.Get(nativeKey(key))
	if err != nil || !ok {
		return nil, ok, err
	}
	args, err := DecodeArgs(v)
	return args, true, err
}

func (cs *ContractStore) NativeSetSegment(key string, value Args) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return cs.storage.Set(nativeKey(key), raw)
}

// SeedGenesisBalance mirrors the reference implementation's bootstrap
// allocation, used by a fresh chain's genesis setup.
func SeedGenesisBalance(cs *ContractStore, account string, balance uint64) error {
	return cs.NativeSetSegment(account, Args{"balance": json.Number(fmt.Sprintf("%d", balance))})
}

// ExecuteNative dispatches the built-in "native" contract's methods. Per
// §4.3: "add" registers/updates a user contract (author-immutable once
// set), "transfer" moves native balance, "stake" is accepted as a no-op.
func ExecuteNative(cs *ContractStore, author [32]byte, method string, req Args) error {
	switch method {
	case "add":
		if err := ValidateSchema("name:str;code:str;schema:str", req); err != nil {
			return err
		}
		name, _ := req["name"].(string)
		code, _ := req["code"].(string)
		schema, _ := req["schema"].(string)
		if err := ValidateSchemaSyntax(schema); err != nil {
			return fmt.Errorf("%w: malformed schema %q", ErrContractRecoverable, schema)
		}
		if existing, err := cs.GetAuthor(name); err == nil {
			if existing != author {
				return fmt.Errorf("%w: author mismatch for %q", ErrContractRecoverable, name)
			}
		}
		if _, err := CompileSource(code); err != nil {
			return fmt.Errorf("%w: %v", ErrContractRecoverable, err)
		}
		contractsLog.WithFields(logrus.Fields{"name": name, "author": authorAddress(author)}).Debug("registering contract")
		return cs.AddContract(name, schema, []byte(code), author)
	case "transfer":
		contractsLog.WithField("author", authorAddress(author)).Debug("native transfer")
		return nativeTransfer(cs, req)
	case "stake":
		return nil
	default:
		return fmt.Errorf("%w: no such native method %q", ErrContractRecoverable, method)
	}
}

func nativeTransfer(cs *ContractStore, req Args) error {
	if err := ValidateSchema("from:str;to:str;amount:u64", req); err != nil {
		return err
	}
	from, _ := req["from"].(string)
	to, _ := req["to"].(string)
	amountNum, _ := req["amount"].(json.Number)
	amount, err := amountNum.Int64()
	if err != nil || amount < 0 {
		return fmt.Errorf("%w: invalid amount", ErrContractRecoverable)
	}

	fromBal, ok, err := cs.NativeGetSegment(from)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unknown sender %q", ErrContractRecoverable, from)
	}
	have, err := fromBal["balance"].(json.Number).Int64()
	if err != nil || have < amount {
		return fmt.Errorf("%w: insufficient balance", ErrContractRecoverable)
	}

	toBal, ok, err := cs.NativeGetSegment(to)
	if err != nil {
		return err
	}
	var toHave int64
	if ok {
		toHave, _ = toBal["balance"].(json.Number).Int64()
	}

	if err := cs.NativeSetSegment(from, Args{"balance": json.Number(fmt.Sprintf("%d", have-amount))}); err != nil {
		return err
	}
	return cs.NativeSetSegment(to, Args{"balance": json.Number(fmt.Sprintf("%d", toHave+amount))})
}
