package clientprotocol_test

import (
	"testing"
	"time"

	"github.com/bchpaychan/paychannel/chanscript"
	"github.com/bchpaychan/paychannel/chanstore"
	"github.com/bchpaychan/paychannel/clientchannel"
	"github.com/bchpaychan/paychannel/clientprotocol"
	"github.com/bchpaychan/paychannel/paychanmsg"
	"github.com/bchpaychan/paychannel/paychantest"
	"github.com/bchpaychan/paychannel/serverchannel"
	"github.com/bchpaychan/paychannel/serverprotocol"
	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchutil"
)

var testParams = &chaincfg.MainNetParams

// pump drives messages between a client and server session until both sides
// go quiet, mirroring cmd/paychand's in-process dispatch loop.
func pump(t *testing.T, clientSess *clientprotocol.Session, serverSess *serverprotocol.Session, initial []paychanmsg.Message) {
	t.Helper()
	toServer := initial
	for i := 0; i < 64 && len(toServer) > 0; i++ {
		var toClient []paychanmsg.Message
		for _, msg := range toServer {
			out := serverSess.Receive(msg)
			toClient = append(toClient, out.Emit...)
		}
		toServer = nil
		for _, msg := range toClient {
			out := clientSess.Receive(msg)
			toServer = append(toServer, out.Emit...)
		}
	}
}

func newFixture(t *testing.T, value bchutil.Amount) (*clientprotocol.Session, *serverprotocol.Session, *paychantest.MockClock, *paychantest.MockBroadcaster, *paychantest.MockBroadcaster) {
	t.Helper()
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))

	clientWallet := paychantest.NewMockWallet(testParams)
	clientBroadcaster := &paychantest.MockBroadcaster{}
	clientChan := clientchannel.New(clientchannel.Config{
		Params:        testParams,
		Wallet:        clientWallet,
		Broadcaster:   clientBroadcaster,
		Clock:         clock,
		Value:         value,
		MaxTimeWindow: 24 * time.Hour,
		FeePerByte:    chanscript.DefaultFeePerByte,
		DustLimit:     chanscript.DefaultDustLimit,
	})

	serverWallet := paychantest.NewMockWallet(testParams)
	serverBroadcaster := &paychantest.MockBroadcaster{}
	factory := func() (*serverchannel.ServerChannelState, *bchec.PublicKey, int64, time.Time) {
		payeePriv, _ := serverWallet.NewChannelKey()
		payoutScript, _ := serverWallet.NewPayoutScript()
		expiry := clock.Now().Add(12 * time.Hour)
		ch := serverchannel.New(serverchannel.Config{
			Params:           testParams,
			Wallet:           serverWallet,
			Broadcaster:      serverBroadcaster,
			Clock:            clock,
			MinAcceptedValue: value / 2,
			ExpiryWindow:     12 * time.Hour,
			FeePerByte:       chanscript.DefaultFeePerByte,
			DustLimit:        chanscript.DefaultDustLimit,
		}, payeePriv, payoutScript, expiry)
		return ch, payeePriv.PubKey(), int64(value / 2), expiry
	}
	lookup := func(chainhash.Hash) (*serverchannel.ServerChannelState, bool, bool) { return nil, false, false }

	clientSess, out := clientprotocol.New(clientChan, nil, clock.Now)
	serverSess := serverprotocol.New(lookup, factory, clock.Now)

	pump(t, clientSess, serverSess, out.Emit)
	return clientSess, serverSess, clock, clientBroadcaster, serverBroadcaster
}

func TestSimpleChannelOpensAndSettles(t *testing.T) {
	value := bchutil.Amount(100000000)
	clientSess, serverSess, _, clientBroadcaster, serverBroadcaster := newFixture(t, value)

	if clientSess.State() != clientprotocol.StateOpen {
		t.Fatalf("client state = %s, want OPEN", clientSess.State())
	}
	if serverSess.State() != serverprotocol.StateOpen {
		t.Fatalf("server state = %s, want OPEN", serverSess.State())
	}
	if len(clientBroadcaster.Broadcasts()) != 1 {
		t.Fatalf("expected 1 contract broadcast, got %d", len(clientBroadcaster.Broadcasts()))
	}

	increment := bchutil.Amount(1000000)
	for i := 0; i < 3; i++ {
		out, err := clientSess.IncrementPayment(increment)
		if err != nil {
			t.Fatalf("IncrementPayment %d: %v", i, err)
		}
		for _, msg := range out.Emit {
			up := msg.(paychanmsg.UpdatePayment)
			sOut := serverSess.ReceiveUpdatePayment(up)
			if !sOut.StorePut {
				t.Fatalf("payment %d: expected StorePut", i)
			}
		}
	}

	if serverSess.Channel().PaidAmount() != increment*3 {
		t.Fatalf("server PaidAmount = %d, want %d", serverSess.Channel().PaidAmount(), increment*3)
	}

	closeOut := clientSess.Close()
	for _, msg := range closeOut.Emit {
		serverSess.Receive(msg)
	}

	if serverSess.State() != serverprotocol.StateClosed {
		t.Fatalf("server state = %s, want CLOSED", serverSess.State())
	}
	if len(serverBroadcaster.Broadcasts()) != 2 {
		t.Fatalf("expected contract + settlement broadcasts on server, got %d", len(serverBroadcaster.Broadcasts()))
	}
}

func TestValueTooLargeRejectsSession(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	clientWallet := paychantest.NewMockWallet(testParams)
	clientBroadcaster := &paychantest.MockBroadcaster{}
	value := bchutil.Amount(1000000)
	clientChan := clientchannel.New(clientchannel.Config{
		Params:        testParams,
		Wallet:        clientWallet,
		Broadcaster:   clientBroadcaster,
		Clock:         clock,
		Value:         value,
		MaxTimeWindow: 24 * time.Hour,
		FeePerByte:    chanscript.DefaultFeePerByte,
		DustLimit:     chanscript.DefaultDustLimit,
	})

	serverWallet := paychantest.NewMockWallet(testParams)
	serverBroadcaster := &paychantest.MockBroadcaster{}
	factory := func() (*serverchannel.ServerChannelState, *bchec.PublicKey, int64, time.Time) {
		payeePriv, _ := serverWallet.NewChannelKey()
		payoutScript, _ := serverWallet.NewPayoutScript()
		expiry := clock.Now().Add(12 * time.Hour)
		ch := serverchannel.New(serverchannel.Config{
			Params:           testParams,
			Wallet:           serverWallet,
			Broadcaster:      serverBroadcaster,
			Clock:            clock,
			MinAcceptedValue: value * 2, // deliberately more than the client's capacity
			ExpiryWindow:     12 * time.Hour,
			FeePerByte:       chanscript.DefaultFeePerByte,
			DustLimit:        chanscript.DefaultDustLimit,
		}, payeePriv, payoutScript, expiry)
		return ch, payeePriv.PubKey(), int64(value * 2), expiry
	}
	lookup := func(chainhash.Hash) (*serverchannel.ServerChannelState, bool, bool) { return nil, false, false }

	clientSess, out := clientprotocol.New(clientChan, nil, clock.Now)
	serverSess := serverprotocol.New(lookup, factory, clock.Now)
	pump(t, clientSess, serverSess, out.Emit)

	if clientSess.State() != clientprotocol.StateError {
		t.Fatalf("client state = %s, want ERROR", clientSess.State())
	}
}

func TestExpiryBroadcastsSettlementViaStore(t *testing.T) {
	value := bchutil.Amount(100000000)
	clientSess, serverSess, clock, _, serverBroadcaster := newFixture(t, value)

	out, err := clientSess.IncrementPayment(bchutil.Amount(1000000))
	if err != nil {
		t.Fatalf("IncrementPayment: %v", err)
	}
	for _, msg := range out.Emit {
		serverSess.ReceiveUpdatePayment(msg.(paychanmsg.UpdatePayment))
	}

	serverStore := chanstore.NewServerStore(serverBroadcaster, nil, clock, "test")
	defer serverStore.Stop()

	ch := serverSess.Channel()
	best, err := ch.BestSettlementBytes()
	if err != nil {
		t.Fatalf("BestSettlementBytes: %v", err)
	}
	rec := &chanstore.ServerRecord{
		ContractHash:        ch.ContractHash(),
		Value:               ch.Value(),
		PaidAmount:          ch.PaidAmount(),
		Expiry:              ch.Expiry(),
		Active:              true,
		BestSettlementBytes: best,
	}
	if err := serverStore.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	before := len(serverBroadcaster.Broadcasts())
	clock.Advance(13 * time.Hour)
	serverStore.Tick()

	after := serverBroadcaster.Broadcasts()
	if len(after) != before+1 {
		t.Fatalf("expected exactly one additional broadcast from the expiry timer, got %d (had %d)", len(after), before)
	}
	if _, ok := serverStore.Get(ch.ContractHash()); ok {
		t.Fatal("expired record should have been removed")
	}
}

func TestResumeWithKnownInactiveHashSkipsHandshake(t *testing.T) {
	value := bchutil.Amount(100000000)
	clientSess, serverSess, clock, _, _ := newFixture(t, value)
	if clientSess.State() != clientprotocol.StateOpen {
		t.Fatalf("client state = %s, want OPEN", clientSess.State())
	}

	existingChannel := serverSess.Channel()
	hash := existingChannel.ContractHash()
	lookup := func(h chainhash.Hash) (*serverchannel.ServerChannelState, bool, bool) {
		if h == hash {
			return existingChannel, false, true
		}
		return nil, false, false
	}
	factoryCalled := false
	factory := func() (*serverchannel.ServerChannelState, *bchec.PublicKey, int64, time.Time) {
		factoryCalled = true
		return nil, nil, 0, time.Time{}
	}
	resumedServer := serverprotocol.New(lookup, factory, clock.Now)

	resumedClient, out := clientprotocol.New(clientSess.Channel(), &hash, clock.Now)
	pump(t, resumedClient, resumedServer, out.Emit)

	if factoryCalled {
		t.Fatal("resume with a known, inactive hash should not invoke the channel factory")
	}
	if resumedClient.State() != clientprotocol.StateOpen {
		t.Fatalf("resumed client state = %s, want OPEN", resumedClient.State())
	}
	if resumedServer.State() != serverprotocol.StateOpen {
		t.Fatalf("resumed server state = %s, want OPEN", resumedServer.State())
	}
	if resumedServer.Channel() != existingChannel {
		t.Fatal("resumed server session should attach to the existing channel, not a fresh one")
	}
}

func TestResumeWithUnknownHashFallsBackToFreshChannel(t *testing.T) {
	value := bchutil.Amount(100000000)
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))

	clientWallet := paychantest.NewMockWallet(testParams)
	clientBroadcaster := &paychantest.MockBroadcaster{}
	clientChan := clientchannel.New(clientchannel.Config{
		Params:        testParams,
		Wallet:        clientWallet,
		Broadcaster:   clientBroadcaster,
		Clock:         clock,
		Value:         value,
		MaxTimeWindow: 24 * time.Hour,
		FeePerByte:    chanscript.DefaultFeePerByte,
		DustLimit:     chanscript.DefaultDustLimit,
	})

	serverWallet := paychantest.NewMockWallet(testParams)
	serverBroadcaster := &paychantest.MockBroadcaster{}
	factory := func() (*serverchannel.ServerChannelState, *bchec.PublicKey, int64, time.Time) {
		payeePriv, _ := serverWallet.NewChannelKey()
		payoutScript, _ := serverWallet.NewPayoutScript()
		expiry := clock.Now().Add(12 * time.Hour)
		ch := serverchannel.New(serverchannel.Config{
			Params:           testParams,
			Wallet:           serverWallet,
			Broadcaster:      serverBroadcaster,
			Clock:            clock,
			MinAcceptedValue: value / 2,
			ExpiryWindow:     12 * time.Hour,
			FeePerByte:       chanscript.DefaultFeePerByte,
			DustLimit:        chanscript.DefaultDustLimit,
		}, payeePriv, payoutScript, expiry)
		return ch, payeePriv.PubKey(), int64(value / 2), expiry
	}
	// No record matches this stale hash, so the server must fall through
	// to a brand new channel instead of failing the session.
	lookup := func(chainhash.Hash) (*serverchannel.ServerChannelState, bool, bool) { return nil, false, false }

	var staleHash chainhash.Hash
	staleHash[0] = 0xff
	clientSess, out := clientprotocol.New(clientChan, &staleHash, clock.Now)
	serverSess := serverprotocol.New(lookup, factory, clock.Now)
	pump(t, clientSess, serverSess, out.Emit)

	if clientSess.State() != clientprotocol.StateOpen {
		t.Fatalf("client state = %s, want OPEN: resuming client should accept the server's fresh INITIATE and complete a new handshake", clientSess.State())
	}
	if serverSess.State() != serverprotocol.StateOpen {
		t.Fatalf("server state = %s, want OPEN", serverSess.State())
	}
}
