// Package chanscript implements the pure, stateless transaction building and
// signing primitives shared by both sides of a channel: the funding
// contract, the absolute-timelock refund, and the progressively re-signed
// settlement transaction. None of these functions perform I/O; callers
// (clientchannel, serverchannel) own all persistent and network state.
package chanscript

import (
	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/wallet/txsizes"
	"github.com/go-errors/errors"
)

// DefaultFeePerByte is the fixed protocol-minimum fee rate applied to
// settlement and refund transactions.
var DefaultFeePerByte = bchutil.Amount(1)

// DefaultDustLimit is the value below which an output is suppressed rather
// than included in a transaction.
var DefaultDustLimit = bchutil.Amount(546)

// Error kinds surfaced by this package. Callers map these to the protocol
// error codes in paychanmsg.
var (
	// ErrBadSignature is returned when a counterparty signature does not
	// validate against the expected redeem script.
	ErrBadSignature = errors.New("signature does not validate against redeem script")

	// ErrBadScript is returned when a redeem script does not take the
	// expected 2-of-2 multisig form.
	ErrBadScript = errors.New("redeem script is not a valid 2-of-2 multisig")

	// ErrBothOutputsDust is returned when neither settlement output would
	// clear the dust limit.
	ErrBothOutputsDust = errors.New("both settlement outputs are below the dust limit")

	// ErrInsufficientValue is returned when the requested channel value
	// cannot cover the minimum fee and dust floor.
	ErrInsufficientValue = errors.New("channel value too small to cover fee and dust")
)

// InputSigner signs input idx of tx, spending an output of the given amount
// from the payer's wallet. This is the narrow capability boundary into the
// wallet/UTXO-selection subsystem, which is out of scope for this package.
type InputSigner func(tx *wire.MsgTx, idx int, amount bchutil.Amount) ([]byte, error)

// Contract describes the on-chain 2-of-2 multisig output funding a channel.
// Immutable once built; every valid refund or settlement spends exactly
// this output.
type Contract struct {
	// TxID is the funding transaction's hash.
	TxID chainhash.Hash

	// OutputIndex is the index of the 2-of-2 output within the funding tx.
	OutputIndex uint32

	// Value is the total value V locked into the 2-of-2 output.
	Value bchutil.Amount

	// PayerPubKey and PayeePubKey are the two keys committed to the
	// 2-of-2 output, in the order they appear in RedeemScript.
	PayerPubKey *bchec.PublicKey
	PayeePubKey *bchec.PublicKey

	// RedeemScript is the 2-of-2 multisig script hashed into the P2SH
	// output address.
	RedeemScript []byte

	// ScriptPubKey is the P2SH output script of the contract output.
	ScriptPubKey []byte
}

// OutPoint returns the outpoint a refund or settlement transaction must
// spend to redeem this contract.
func (c *Contract) OutPoint() wire.OutPoint {
	return *wire.NewOutPoint(&c.TxID, c.OutputIndex)
}

// BuildMultisigScript constructs the 2-of-2 "2 <payer> <payee> 2 CHECKMULTISIG"
// redeem script and its P2SH address. The payer's key always comes first,
// mirroring the channel-opener-first convention.
func BuildMultisigScript(payerPub, payeePub *bchec.PublicKey, params *chaincfg.Params) (bchutil.Address, []byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(2)
	builder.AddData(payerPub.SerializeCompressed())
	builder.AddData(payeePub.SerializeCompressed())
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	redeemScript, err := builder.Script()
	if err != nil {
		return nil, nil, err
	}
	addr, err := bchutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return nil, nil, err
	}
	return addr, redeemScript, nil
}

// PubKeyToPayoutScript derives the standard P2PKH output script paying the
// holder of pubkey. The protocol only ever exchanges the channel multisig
// key, never a separate payout address, so both sides derive each other's
// settlement output this way (mirroring gcash-bchwallet's buildP2SHAddress
// helper for the analogous channel-address derivation).
func PubKeyToPayoutScript(pubkey *bchec.PublicKey, params *chaincfg.Params) ([]byte, error) {
	addr, err := bchutil.NewAddressPubKeyHash(bchutil.Hash160(pubkey.SerializeCompressed()), params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// BuildContract assembles the funding transaction: the provided inputs pay
// a single 2-of-2 output of value `value` to (payerPub, payeePub), with any
// remaining value routed to changeScript as a change output. Each input is
// signed via sign, the narrow wallet capability; chanscript never touches
// wallet key material directly.
func BuildContract(
	params *chaincfg.Params,
	payerPub, payeePub *bchec.PublicKey,
	inputs []*wire.TxIn,
	inputValues []bchutil.Amount,
	value bchutil.Amount,
	changeScript []byte,
	changeValue bchutil.Amount,
	sign InputSigner,
) (*wire.MsgTx, *Contract, error) {
	if len(inputs) != len(inputValues) {
		return nil, nil, errors.New("inputs and inputValues must be the same length")
	}

	addr, redeemScript, err := BuildMultisigScript(payerPub, payeePub, params)
	if err != nil {
		return nil, nil, err
	}
	scriptPubKey, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}

	tx := wire.NewMsgTx(1)
	tx.TxIn = append(tx.TxIn, inputs...)
	tx.TxOut = append(tx.TxOut, wire.NewTxOut(int64(value), scriptPubKey))
	if changeValue > 0 {
		tx.TxOut = append(tx.TxOut, wire.NewTxOut(int64(changeValue), changeScript))
	}

	for i, in := range inputs {
		sigScript, err := sign(tx, i, inputValues[i])
		if err != nil {
			return nil, nil, err
		}
		in.SignatureScript = sigScript
	}

	contract := &Contract{
		TxID:         tx.TxHash(),
		OutputIndex:  0,
		Value:        value,
		PayerPubKey:  payerPub,
		PayeePubKey:  payeePub,
		RedeemScript: redeemScript,
		ScriptPubKey: scriptPubKey,
	}
	return tx, contract, nil
}

// buildMultisigScriptSig assembles the final scriptSig for a transaction
// spending a 2-of-2 P2SH multisig output: OP_0 <sig1> <sig2> <redeemScript>.
// sig1/sig2 must be ordered to match PayerPubKey/PayeePubKey's order in the
// redeem script.
func buildMultisigScriptSig(sig1, sig2, redeemScript []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(sig1)
	builder.AddData(sig2)
	builder.AddData(redeemScript)
	return builder.Script()
}

// sighash computes the SigHashAll signature over input idx of tx, spending
// an output of contract's value with contract's redeem script.
func sighash(tx *wire.MsgTx, idx int, contract *Contract, priv *bchec.PrivateKey) ([]byte, error) {
	return txscript.RawTxInSignature(tx, idx, contract.RedeemScript, txscript.SigHashAll, priv, int64(contract.Value))
}

// VerifySignature reports whether sig is a valid SigHashAll signature over
// input idx of tx by pubkey, given the contract's redeem script and value.
func VerifySignature(tx *wire.MsgTx, idx int, contract *Contract, sig []byte, pubkey *bchec.PublicKey) bool {
	if len(sig) == 0 {
		return false
	}
	parsedSig, err := bchec.ParseDERSignature(sig[:len(sig)-1], bchec.S256())
	if err != nil {
		return false
	}
	hash, err := txscript.CalcSignatureHash(contract.RedeemScript, txscript.SigHashAll, tx, idx)
	if err != nil {
		return false
	}
	return parsedSig.Verify(hash, pubkey)
}

// VerifyAndComplete validates sig against the contract's redeem script for
// input 0 of tx (spending the contract output), attaches the combined
// scriptSig from localSig and sig in redeem-script key order, and verifies
// the fully assembled transaction executes against the contract's output
// script. Returns ErrBadScript if the contract's redeem script is not a
// 2-of-2 multisig, ErrBadSignature if sig fails to validate.
func VerifyAndComplete(tx *wire.MsgTx, contract *Contract, localSig, counterpartySig []byte, counterpartyIsPayee bool) (*wire.MsgTx, error) {
	if !isTwoOfTwoMultisig(contract.RedeemScript) {
		return nil, ErrBadScript
	}

	counterpartyPub := contract.PayerPubKey
	if counterpartyIsPayee {
		counterpartyPub = contract.PayeePubKey
	}
	if !VerifySignature(tx, 0, contract, counterpartySig, counterpartyPub) {
		return nil, ErrBadSignature
	}

	var sig1, sig2 []byte
	if counterpartyIsPayee {
		sig1, sig2 = localSig, counterpartySig
	} else {
		sig1, sig2 = counterpartySig, localSig
	}
	scriptSig, err := buildMultisigScriptSig(sig1, sig2, contract.RedeemScript)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript = scriptSig

	sigHashes := txscript.NewTxSigHashes(tx)
	engine, err := txscript.NewEngine(contract.ScriptPubKey, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, int64(contract.Value))
	if err != nil {
		return nil, err
	}
	if err := engine.Execute(); err != nil {
		return nil, ErrBadSignature
	}
	return tx, nil
}

// isTwoOfTwoMultisig reports whether script is exactly "2 <pub> <pub> 2
// CHECKMULTISIG".
func isTwoOfTwoMultisig(script []byte) bool {
	class, addrs, reqSigs, err := txscript.ExtractPkScriptAddrs(script, &chaincfg.MainNetParams)
	if err != nil {
		return false
	}
	return class == txscript.MultiSigTy && reqSigs == 2 && len(addrs) == 2
}

// BuildRefund constructs the unsigned refund transaction spending the
// contract output entirely to payerPayoutScript, with a transaction-level
// lock time of at least contract's agreed expiry, and returns the payer's
// own signature over it (the "half-signed" artifact of spec 4.1 — a
// counterparty signature is still required to spend it).
func BuildRefund(contract *Contract, payerPriv *bchec.PrivateKey, payerPayoutScript []byte, lockTime uint32, feePerByte bchutil.Amount) (*wire.MsgTx, []byte, error) {
	tx := wire.NewMsgTx(1)
	tx.LockTime = lockTime
	txIn := wire.NewTxIn(&wire.OutPoint{Hash: contract.TxID, Index: contract.OutputIndex}, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum - 1 // non-final, so LockTime is honored
	tx.TxIn = append(tx.TxIn, txIn)

	txOut := wire.NewTxOut(int64(contract.Value), payerPayoutScript)
	tx.TxOut = append(tx.TxOut, txOut)

	size := txsizes.EstimateSerializeSize(1, tx.TxOut, false)
	fee := int64(feePerByte) * int64(size)
	txOut.Value -= fee

	sig, err := sighash(tx, 0, contract, payerPriv)
	if err != nil {
		return nil, nil, err
	}
	return tx, sig, nil
}

// SignRefund lets the payee (server side) produce its half of a refund
// signature without assembling the final scriptSig; the payer completes it
// via VerifyAndComplete.
func SignRefund(tx *wire.MsgTx, contract *Contract, payeePriv *bchec.PrivateKey) ([]byte, error) {
	return sighash(tx, 0, contract, payeePriv)
}

// EstimateSettlementFee returns the fee a two-output settlement transaction
// would pay at feePerByte given the two parties' payout scripts, for
// callers that need to bound a proposed V_s before building the real
// transaction (clientchannel.IncrementPayment's "V_s + delta <= V - fee -
// dust" precondition).
func EstimateSettlementFee(payeeScript, payerScript []byte, feePerByte bchutil.Amount) bchutil.Amount {
	outs := []*wire.TxOut{wire.NewTxOut(0, payeeScript), wire.NewTxOut(0, payerScript)}
	size := txsizes.EstimateSerializeSize(1, outs, false)
	return feePerByte * bchutil.Amount(size)
}

// BuildSettlement constructs a settlement transaction paying vs to
// payeeScript and the remainder (value - vs - fee) to payerScript, dropping
// any output that falls below dustLimit, and returns the payer's signature
// over it.
func BuildSettlement(contract *Contract, payerPriv *bchec.PrivateKey, payeeScript, payerScript []byte, vs bchutil.Amount, feePerByte, dustLimit bchutil.Amount) (*wire.MsgTx, []byte, error) {
	tx, err := buildSettlementSkeleton(contract, payeeScript, payerScript, vs, feePerByte, dustLimit)
	if err != nil {
		return nil, nil, err
	}
	sig, err := sighash(tx, 0, contract, payerPriv)
	if err != nil {
		return nil, nil, err
	}
	return tx, sig, nil
}

// SignSettlement lets the payee produce its half-signature over an
// already-built settlement transaction, after independently reconstructing
// it from the same parameters to guard against a malleated tx.
func SignSettlement(contract *Contract, payeePriv *bchec.PrivateKey, payeeScript, payerScript []byte, vs bchutil.Amount, feePerByte, dustLimit bchutil.Amount) (*wire.MsgTx, []byte, error) {
	tx, err := buildSettlementSkeleton(contract, payeeScript, payerScript, vs, feePerByte, dustLimit)
	if err != nil {
		return nil, nil, err
	}
	sig, err := sighash(tx, 0, contract, payeePriv)
	if err != nil {
		return nil, nil, err
	}
	return tx, sig, nil
}

func buildSettlementSkeleton(contract *Contract, payeeScript, payerScript []byte, vs bchutil.Amount, feePerByte, dustLimit bchutil.Amount) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(1)
	txIn := wire.NewTxIn(&wire.OutPoint{Hash: contract.TxID, Index: contract.OutputIndex}, nil)
	tx.TxIn = append(tx.TxIn, txIn)

	payerAmount := contract.Value - vs

	payeeOut := wire.NewTxOut(int64(vs), payeeScript)
	payerOut := wire.NewTxOut(int64(payerAmount), payerScript)

	var outs []*wire.TxOut
	includePayee := vs > dustLimit
	includePayer := payerAmount > dustLimit
	if includePayee {
		outs = append(outs, payeeOut)
	}
	if includePayer {
		outs = append(outs, payerOut)
	}
	if len(outs) == 0 {
		return nil, ErrBothOutputsDust
	}

	// The fee is charged only to the payer's output, never the payee's:
	// the payee must always receive exactly vs.
	if includePayer {
		size := txsizes.EstimateSerializeSize(1, outs, false)
		fee := int64(feePerByte) * int64(size)
		payerOut.Value -= fee
	}
	tx.TxOut = outs
	return tx, nil
}
