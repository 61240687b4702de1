// Package paychantest provides fakes for the paychaniface capability
// interfaces, used by this module's own tests and by cmd/paychand's
// demonstration binary. Grounded on paymentchannels/test.MockWalletBackend,
// adapted from gcash-bchwallet's waddrmgr/txauthor-shaped wallet interface
// to the narrower paychaniface.Wallet surface.
package paychantest

import (
	"crypto/rand"
	"sync"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

// MockWallet fabricates a single funding input out of thin air for every
// requested amount, backed by keys it generates and tracks itself. It is
// not a real UTXO set; it exists to exercise the channel core end to end
// without a live chain.
type MockWallet struct {
	params *chaincfg.Params

	mu       sync.Mutex
	inputKey map[wire.OutPoint]*bchec.PrivateKey
}

// NewMockWallet constructs a MockWallet for the given network parameters.
func NewMockWallet(params *chaincfg.Params) *MockWallet {
	return &MockWallet{
		params:   params,
		inputKey: make(map[wire.OutPoint]*bchec.PrivateKey),
	}
}

// NewChannelKey returns a fresh key to use as this party's multisig half.
func (w *MockWallet) NewChannelKey() (*bchec.PrivateKey, error) {
	return bchec.NewPrivateKey(bchec.S256())
}

// NewPayoutScript returns a fresh P2PKH output script this wallet controls.
func (w *MockWallet) NewPayoutScript() ([]byte, error) {
	priv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		return nil, err
	}
	addr, err := bchutil.NewAddressPubKeyHash(bchutil.Hash160(priv.PubKey().SerializeCompressed()), w.params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// SelectFundingInputs fabricates one P2PKH input holding exactly amount,
// with no change. Real wallets would coin-select from an actual UTXO set;
// this stands in for that out-of-scope subsystem.
func (w *MockWallet) SelectFundingInputs(amount bchutil.Amount) ([]*wire.TxIn, []bchutil.Amount, []byte, bchutil.Amount, error) {
	priv, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		return nil, nil, nil, 0, err
	}
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, nil, nil, 0, err
	}
	hash, err := chainhash.NewHash(buf[:])
	if err != nil {
		return nil, nil, nil, 0, err
	}
	op := wire.NewOutPoint(hash, 0)

	w.mu.Lock()
	w.inputKey[*op] = priv
	w.mu.Unlock()

	in := wire.NewTxIn(op, nil)
	return []*wire.TxIn{in}, []bchutil.Amount{amount}, nil, 0, nil
}

// SignInput signs input idx, a P2PKH output this wallet generated in
// SelectFundingInputs.
func (w *MockWallet) SignInput(tx *wire.MsgTx, idx int, amount bchutil.Amount) ([]byte, error) {
	op := tx.TxIn[idx].PreviousOutPoint
	w.mu.Lock()
	priv, ok := w.inputKey[op]
	w.mu.Unlock()
	if !ok {
		return nil, errNoSuchInput(op)
	}
	addr, err := bchutil.NewAddressPubKeyHash(bchutil.Hash160(priv.PubKey().SerializeCompressed()), w.params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	return txscript.SignatureScript(tx, idx, pkScript, txscript.SigHashAll, priv, true, int64(amount))
}

type errNoSuchInput wire.OutPoint

func (e errNoSuchInput) Error() string {
	return "mock wallet: no key recorded for input outpoint"
}

// MockBroadcaster records every transaction it is asked to broadcast, in
// order, instead of relaying to a network.
type MockBroadcaster struct {
	mu  sync.Mutex
	txs []*wire.MsgTx
}

// Broadcast appends tx to the broadcast log.
func (b *MockBroadcaster) Broadcast(tx *wire.MsgTx) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs = append(b.txs, tx)
	return nil
}

// Broadcasts returns the transactions broadcast so far, in order.
func (b *MockBroadcaster) Broadcasts() []*wire.MsgTx {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*wire.MsgTx, len(b.txs))
	copy(out, b.txs)
	return out
}

// MockPersist is an in-memory stand-in for the wallet's opaque extension
// storage hook.
type MockPersist struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMockPersist constructs an empty MockPersist.
func NewMockPersist() *MockPersist {
	return &MockPersist{data: make(map[string][]byte)}
}

// WriteExtension stores data under key, overwriting any previous value.
func (p *MockPersist) WriteExtension(key string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	p.data[key] = cp
	return nil
}

// ReadExtension returns the bytes last written under key, or nil if none.
func (p *MockPersist) ReadExtension(key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data[key], nil
}
