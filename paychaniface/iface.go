// Package paychaniface defines the narrow capability interfaces the channel
// core borrows from its embedder: wallet access, transaction broadcast, and
// wall-clock time. None of these are implemented here; concrete
// implementations (a real wallet, a p2p broadcaster, the system clock) are
// the embedder's responsibility.
package paychaniface

import (
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

// Wallet is the narrow slice of wallet functionality the channel core
// needs: generating channel/payout keys and selecting+signing funding
// inputs. Everything else (UTXO bookkeeping, key storage) stays the
// embedder's concern.
type Wallet interface {
	// NewChannelKey returns a fresh private key to use as this party's
	// half of the 2-of-2 multisig contract output.
	NewChannelKey() (*bchec.PrivateKey, error)

	// NewPayoutScript returns a fresh output script this party controls,
	// to receive funds from the refund or a settlement.
	NewPayoutScript() ([]byte, error)

	// SelectFundingInputs returns inputs (and their values) summing to at
	// least amount, plus an optional change script/value for any excess.
	// changeValue is zero if the inputs exactly cover amount plus fees.
	SelectFundingInputs(amount bchutil.Amount) (inputs []*wire.TxIn, inputValues []bchutil.Amount, changeScript []byte, changeValue bchutil.Amount, err error)

	// SignInput produces a signature script for input idx of tx, spending
	// an output of the given amount that this wallet controls.
	SignInput(tx *wire.MsgTx, idx int, amount bchutil.Amount) ([]byte, error)
}

// Broadcaster relays a fully signed transaction to the peer-to-peer
// network. Broadcast returns once the transaction has been accepted for
// relay, not once it confirms.
type Broadcaster interface {
	Broadcast(tx *wire.MsgTx) error
}

// Clock abstracts wall-clock time so expiry logic is deterministic in
// tests. SystemClock is the production implementation.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Persist is the hosting wallet's opaque extension-blob mechanism. The
// channel stores use it to save and load their serialized state; they never
// interpret the wallet's own storage format.
type Persist interface {
	WriteExtension(key string, data []byte) error
	ReadExtension(key string) ([]byte, error)
}
