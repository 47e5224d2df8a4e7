package state

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"topupd/storage"
)

// Manager provides read and write access to the settlement state: the token
// registry with balances and allowances, the role registry, and the generic
// key-value space used by the native modules. All keys are hashed with
// keccak256 before hitting the backing store and all values are RLP encoded.
//
// Manager is not safe for concurrent use; callers serialize operations the
// same way a chain runtime executes one transaction at a time.
type Manager struct {
	db      storage.Database
	pending map[string][]byte
	depth   int
	failed  bool
	hooks   []func()
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// TokenMetadata describes a registered fungible token.
type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

var (
	tokenPrefix     = []byte("token:")
	tokenListKey    = ethcrypto.Keccak256([]byte("token-list"))
	balancePrefix   = []byte("balance:")
	allowancePrefix = []byte("allowance:")
	rolePrefix      = []byte("role:")
)

func tokenMetadataKey(token [20]byte) []byte {
	buf := make([]byte, len(tokenPrefix)+len(token))
	copy(buf, tokenPrefix)
	copy(buf[len(tokenPrefix):], token[:])
	return ethcrypto.Keccak256(buf)
}

func balanceKey(token, addr [20]byte) []byte {
	buf := make([]byte, len(balancePrefix)+len(token)+1+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], token[:])
	buf[len(balancePrefix)+len(token)] = ':'
	copy(buf[len(balancePrefix)+len(token)+1:], addr[:])
	return ethcrypto.Keccak256(buf)
}

func allowanceKey(token, owner, spender [20]byte) []byte {
	buf := make([]byte, len(allowancePrefix)+len(token)+1+len(owner)+1+len(spender))
	copy(buf, allowancePrefix)
	offset := len(allowancePrefix)
	copy(buf[offset:], token[:])
	offset += len(token)
	buf[offset] = ':'
	offset++
	copy(buf[offset:], owner[:])
	offset += len(owner)
	buf[offset] = ':'
	offset++
	copy(buf[offset:], spender[:])
	return ethcrypto.Keccak256(buf)
}

func roleKey(role string) []byte {
	buf := make([]byte, len(rolePrefix)+len(role))
	copy(buf, rolePrefix)
	copy(buf[len(rolePrefix):], role)
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// WithTx runs fn inside a staged transaction. All writes performed through the
// manager while fn executes are buffered and flushed to the backing store only
// when the outermost fn returns nil; any error discards the whole buffer. This
// reproduces the all-or-nothing semantics a chain runtime would otherwise
// supply. Nested calls join the enclosing transaction.
func (m *Manager) WithTx(fn func() error) error {
	m.depth++
	if m.depth == 1 {
		m.pending = make(map[string][]byte)
		m.failed = false
		m.hooks = nil
	}
	err := fn()
	if err != nil {
		m.failed = true
	}
	m.depth--
	if m.depth > 0 {
		return err
	}
	pending := m.pending
	failed := m.failed
	hooks := m.hooks
	m.pending = nil
	m.failed = false
	m.hooks = nil
	if failed || err != nil {
		return err
	}
	// Flush in deterministic order.
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if writeErr := m.db.Put([]byte(k), pending[k]); writeErr != nil {
			return writeErr
		}
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

// OnCommit schedules fn to run once the current transaction has flushed
// successfully; hooks of a failed or discarded transaction are dropped.
// Outside a transaction fn runs immediately. Modules use this to hold event
// emission back until the writes the event describes are durable.
func (m *Manager) OnCommit(fn func()) {
	if fn == nil {
		return
	}
	if m.depth > 0 {
		m.hooks = append(m.hooks, fn)
		return
	}
	fn()
}

func (m *Manager) get(key []byte) ([]byte, error) {
	if m.pending != nil {
		if value, ok := m.pending[string(key)]; ok {
			return append([]byte(nil), value...), nil
		}
	}
	return m.db.Get(key)
}

func (m *Manager) put(key, value []byte) error {
	if m.pending != nil {
		m.pending[string(key)] = append([]byte(nil), value...)
		return nil
	}
	return m.db.Put(key, value)
}

func (m *Manager) loadTokenList() ([][]byte, error) {
	data, err := m.get(tokenListKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return [][]byte{}, nil
	}
	var list [][]byte
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) writeTokenList(list [][]byte) error {
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.put(tokenListKey, encoded)
}

func (m *Manager) loadTokenMetadata(token [20]byte) (*TokenMetadata, error) {
	data, err := m.get(tokenMetadataKey(token))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	meta := new(TokenMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// RegisterToken stores the metadata for a fungible token and records it in the
// token index. Tokens are identified by their 20-byte address.
func (m *Manager) RegisterToken(token [20]byte, symbol, name string, decimals uint8) error {
	if token == ([20]byte{}) {
		return fmt.Errorf("token address must not be zero")
	}
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("token %s: name must not be empty", normalized)
	}
	if existing, err := m.loadTokenMetadata(token); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("token %s already registered", hex.EncodeToString(token[:]))
	}

	list, err := m.loadTokenList()
	if err != nil {
		return err
	}
	list = append(list, append([]byte(nil), token[:]...))
	sort.Slice(list, func(i, j int) bool {
		return bytes.Compare(list[i], list[j]) < 0
	})
	if err := m.writeTokenList(list); err != nil {
		return err
	}

	meta := &TokenMetadata{
		Symbol:   normalized,
		Name:     name,
		Decimals: decimals,
	}
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return err
	}
	return m.put(tokenMetadataKey(token), encoded)
}

// Token retrieves metadata for a registered token.
func (m *Manager) Token(token [20]byte) (*TokenMetadata, error) {
	return m.loadTokenMetadata(token)
}

// TokenExists reports whether the provided token address is registered.
func (m *Manager) TokenExists(token [20]byte) bool {
	meta, err := m.loadTokenMetadata(token)
	return err == nil && meta != nil
}

// TokenList returns all registered token addresses in sorted order.
func (m *Manager) TokenList() ([][20]byte, error) {
	raw, err := m.loadTokenList()
	if err != nil {
		return nil, err
	}
	list := make([][20]byte, 0, len(raw))
	for _, b := range raw {
		var token [20]byte
		copy(token[:], b)
		list = append(list, token)
	}
	return list, nil
}

// SetBalance stores an account balance for the provided token.
func (m *Manager) SetBalance(token, addr [20]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	if meta, err := m.loadTokenMetadata(token); err != nil {
		return err
	} else if meta == nil {
		return fmt.Errorf("token %s not registered", hex.EncodeToString(token[:]))
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.put(balanceKey(token, addr), encoded)
}

// Balance retrieves a token balance for the provided account.
func (m *Manager) Balance(token, addr [20]byte) (*big.Int, error) {
	data, err := m.get(balanceKey(token, addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// SetAllowance stores the amount spender may move out of owner's balance for
// the provided token.
func (m *Manager) SetAllowance(token, owner, spender [20]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative allowance not allowed")
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.put(allowanceKey(token, owner, spender), encoded)
}

// Allowance retrieves the allowance granted by owner to spender.
func (m *Manager) Allowance(token, owner, spender [20]byte) (*big.Int, error) {
	data, err := m.get(allowanceKey(token, owner, spender))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// SetRole associates an address with the specified role. Duplicate assignments
// are ignored while the stored list remains sorted for determinism.
func (m *Manager) SetRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	key := roleKey(trimmed)
	data, err := m.get(key)
	if err != nil {
		return err
	}
	var members [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &members); err != nil {
			return err
		}
	}
	found := false
	for _, existing := range members {
		if bytes.Equal(existing, addr) {
			found = true
			break
		}
	}
	if !found {
		members = append(members, append([]byte(nil), addr...))
		sort.Slice(members, func(i, j int) bool {
			return hex.EncodeToString(members[i]) < hex.EncodeToString(members[j])
		})
	}
	encoded, err := rlp.EncodeToBytes(members)
	if err != nil {
		return err
	}
	return m.put(key, encoded)
}

// UnsetRole removes the association between an address and a role. Removing an
// address that never held the role is a no-op.
func (m *Manager) UnsetRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	key := roleKey(trimmed)
	data, err := m.get(key)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return err
	}
	filtered := members[:0]
	for _, existing := range members {
		if !bytes.Equal(existing, addr) {
			filtered = append(filtered, existing)
		}
	}
	encoded, err := rlp.EncodeToBytes(filtered)
	if err != nil {
		return err
	}
	return m.put(key, encoded)
}

// RoleMembers returns all addresses assigned to the provided role.
func (m *Manager) RoleMembers(role string) ([][]byte, error) {
	data, err := m.get(roleKey(strings.TrimSpace(role)))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return [][]byte{}, nil
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// HasRole reports whether the provided address is associated with the
// specified role. Errors while reading the underlying state result in a false
// return, matching the best-effort semantics required by the callers.
func (m *Manager) HasRole(role string, addr []byte) bool {
	if len(addr) == 0 {
		return false
	}
	data, err := m.get(roleKey(strings.TrimSpace(role)))
	if err != nil || len(data) == 0 {
		return false
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr) {
			return true
		}
	}
	return false
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is automatically hashed with keccak256.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}
