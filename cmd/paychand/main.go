// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command paychand is a thin demonstration binary that wires a payer and a
// payee together over in-process channels, using a mock wallet and
// broadcaster, and drives one channel through open, several payments, and
// close. The wallet, broadcaster, and transport stay out of the protocol
// core by design; this binary exists to exercise the config, logging, and
// store wiring end to end the way gcash-bchwallet's own cmd/ tools
// exercise their subsystems.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bchpaychan/paychannel/chanscript"
	"github.com/bchpaychan/paychannel/chanstore"
	"github.com/bchpaychan/paychannel/clientchannel"
	"github.com/bchpaychan/paychannel/clientprotocol"
	"github.com/bchpaychan/paychannel/paychanmsg"
	"github.com/bchpaychan/paychannel/paychantest"
	"github.com/bchpaychan/paychannel/serverchannel"
	"github.com/bchpaychan/paychannel/serverprotocol"
	"github.com/davecgh/go-spew/spew"
	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchutil"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.Debug); err != nil {
		return err
	}
	defer logRotator.Close()

	pychLog.Infof("starting paychand demo: value=%d increment=%d payments=%d",
		cfg.ChannelValue, cfg.PaymentIncrement, cfg.NumPayments)

	params := &chaincfg.MainNetParams
	clock := paychantest.NewMockClock(time.Now())

	clientWallet := paychantest.NewMockWallet(params)
	clientBroadcaster := &paychantest.MockBroadcaster{}
	clientPersist := paychantest.NewMockPersist()
	clientStore := chanstore.NewClientStore(clientBroadcaster, clientPersist, clock, "paychand-client")
	defer clientStore.Stop()

	serverWallet := paychantest.NewMockWallet(params)
	serverBroadcaster := &paychantest.MockBroadcaster{}
	serverPersist := paychantest.NewMockPersist()
	serverStore := chanstore.NewServerStore(serverBroadcaster, serverPersist, clock, "paychand-server")
	defer serverStore.Stop()

	serverID := chainhash.HashH([]byte("paychand-demo-server"))

	clientChan := clientchannel.New(clientchannel.Config{
		Params:        params,
		Wallet:        clientWallet,
		Broadcaster:   clientBroadcaster,
		Clock:         clock,
		ServerID:      serverID,
		Value:         bchutil.Amount(cfg.ChannelValue),
		MaxTimeWindow: 24 * time.Hour,
		FeePerByte:    chanscript.DefaultFeePerByte,
		DustLimit:     chanscript.DefaultDustLimit,
	})

	// dispatch serializes protocol activity on this one channel, the way
	// a node guards OpenChannel/SendPayment with a per-channel Kmutex,
	// even though this demo only ever drives a single channel at a time.
	dispatch := chanstore.NewKmutex()

	serverFactory := func() (*serverchannel.ServerChannelState, *bchec.PublicKey, int64, time.Time) {
		payeePriv, _ := serverWallet.NewChannelKey()
		payoutScript, _ := serverWallet.NewPayoutScript()
		expiry := clock.Now().Add(12 * time.Hour)
		channel := serverchannel.New(serverchannel.Config{
			Params:           params,
			Wallet:           serverWallet,
			Broadcaster:      serverBroadcaster,
			Clock:            clock,
			MinAcceptedValue: bchutil.Amount(cfg.ChannelValue) / 2,
			ExpiryWindow:     12 * time.Hour,
			FeePerByte:       chanscript.DefaultFeePerByte,
			DustLimit:        chanscript.DefaultDustLimit,
		}, payeePriv, payoutScript, expiry)
		return channel, payeePriv.PubKey(), cfg.ChannelValue / 2, expiry
	}

	// This demo never resumes a prior session, so lookups always miss;
	// resume is exercised by clientprotocol's integration tests instead.
	serverLookup := func(chainhash.Hash) (*serverchannel.ServerChannelState, bool, bool) {
		return nil, false, false
	}

	clientSess, clientOut := clientprotocol.New(clientChan, nil, clock.Now)
	serverSess := serverprotocol.New(serverLookup, serverFactory, clock.Now)

	dispatch.Lock(serverID)
	defer dispatch.Unlock(serverID)

	pending := clientOut.Emit
	for i := 0; i < 64 && len(pending) > 0; i++ {
		var next []paychanmsg.Message
		for _, msg := range pending {
			sOut := serverSess.Receive(msg)
			if sOut.StorePut {
				storeServerRecord(serverStore, serverSess)
			}
			next = append(next, sOut.Emit...)
			if sOut.Closed {
				pychLog.Infof("server session closed: reason=%d", sOut.Reason)
			}
		}
		pending = nil
		for _, msg := range next {
			cOut := clientSess.Receive(msg)
			if len(cOut.Broadcast) > 0 {
				storeClientRecord(clientStore, clientSess, cOut.Broadcast[0])
			}
			pending = append(pending, cOut.Emit...)
			if cOut.Closed {
				pychLog.Infof("client session closed: reason=%d", cOut.Reason)
			}
		}
	}

	for i := 0; i < cfg.NumPayments; i++ {
		out, err := clientSess.IncrementPayment(bchutil.Amount(cfg.PaymentIncrement))
		if err != nil {
			return fmt.Errorf("payment %d failed: %w", i, err)
		}
		for _, msg := range out.Emit {
			sOut := serverSess.ReceiveUpdatePayment(msg.(paychanmsg.UpdatePayment))
			if sOut.StorePut {
				storeServerRecord(serverStore, serverSess)
			}
		}
		pychLog.Infof("payment %d: V_s now %d", i+1, clientChan.PaidAmount())
	}

	closeOut := clientSess.Close()
	for _, msg := range closeOut.Emit {
		serverSess.Receive(msg)
	}
	serverStore.Remove(clientChan.ContractHash())
	clientStore.Remove(chanstore.ClientKey{ServerID: serverID, ContractHash: clientChan.ContractHash()})

	pychLog.Infof("channel closed: final V_s=%d, client broadcasts=%d, server broadcasts=%d",
		clientChan.PaidAmount(), len(clientBroadcaster.Broadcasts()), len(serverBroadcaster.Broadcasts()))
	pychLog.Debugf("final client channel state: %s", spew.Sdump(clientChan))

	return nil
}

func storeClientRecord(store *chanstore.ClientStore, sess *clientprotocol.Session, contractBytes []byte) {
	ch := sess.Channel()
	rec := &chanstore.ClientRecord{
		ServerID:          ch.ServerID(),
		ContractHash:      ch.ContractHash(),
		Value:             ch.Value(),
		PaidAmount:        ch.PaidAmount(),
		Expiry:            ch.Expiry(),
		Active:            true,
		ContractBytes:     contractBytes,
		ContractBroadcast: true,
	}
	if refund, err := ch.FinalRefund(); err == nil {
		rec.RefundBytes = refund
	}
	_ = store.Put(rec)
}

func storeServerRecord(store *chanstore.ServerStore, sess *serverprotocol.Session) {
	ch := sess.Channel()
	if ch == nil {
		return
	}
	rec := &chanstore.ServerRecord{
		ContractHash: ch.ContractHash(),
		Value:        ch.Value(),
		PaidAmount:   ch.PaidAmount(),
		Expiry:       ch.Expiry(),
		Active:       true,
	}
	if best, err := ch.BestSettlementBytes(); err == nil {
		rec.BestSettlementBytes = best
	}
	_ = store.Put(rec)
}
