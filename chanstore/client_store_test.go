package chanstore

import (
	"bytes"
	"testing"
	"time"

	"github.com/bchpaychan/paychannel/paychantest"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

func dummyTxBytes(t *testing.T, lockTime uint32) []byte {
	t.Helper()
	tx := wire.NewMsgTx(1)
	tx.LockTime = lockTime
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize dummy tx: %v", err)
	}
	return buf.Bytes()
}

func TestClientStorePutGetRoundTrip(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	persist := paychantest.NewMockPersist()
	store := NewClientStore(broadcaster, persist, clock, "test-client")
	defer store.Stop()

	var serverID, contractHash chainhash.Hash
	serverID[0] = 0x01
	contractHash[0] = 0x02

	rec := &ClientRecord{
		ServerID:      serverID,
		ContractHash:  contractHash,
		Value:         bchutil.Amount(100000000),
		PaidAmount:    bchutil.Amount(1000000),
		Expiry:        clock.Now().Add(time.Hour),
		Active:        true,
		ContractBytes: dummyTxBytes(t, 1),
		RefundBytes:   dummyTxBytes(t, 2),
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	key := ClientKey{ServerID: serverID, ContractHash: contractHash}
	got, ok := store.Get(key)
	if !ok {
		t.Fatal("Get: record not found")
	}
	if got.Value != rec.Value || got.PaidAmount != rec.PaidAmount {
		t.Fatalf("Get returned %+v, want matching %+v", got, rec)
	}
}

func TestClientStoreSerializeDeserializeRoundTrip(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	store := NewClientStore(broadcaster, nil, clock, "test-client")
	defer store.Stop()

	var serverID, contractHash chainhash.Hash
	serverID[0] = 0x03
	contractHash[0] = 0x04
	rec := &ClientRecord{
		ServerID:     serverID,
		ContractHash: contractHash,
		Value:        bchutil.Amount(50000000),
		Expiry:       clock.Now().Add(2 * time.Hour),
		Active:       true,
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	snapshot, err := store.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	other := NewClientStore(broadcaster, nil, clock, "test-client-2")
	defer other.Stop()
	if err := other.Deserialize(snapshot); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	key := ClientKey{ServerID: serverID, ContractHash: contractHash}
	got, ok := other.Get(key)
	if !ok {
		t.Fatal("Get after Deserialize: record not found")
	}
	if got.Value != rec.Value {
		t.Fatalf("Value after round trip = %d, want %d", got.Value, rec.Value)
	}
	if got.Active {
		t.Fatal("Active should be forced false after Deserialize")
	}
}

func TestClientStoreRemoveCancelsTimer(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	store := NewClientStore(broadcaster, nil, clock, "test-client")
	defer store.Stop()

	var serverID, contractHash chainhash.Hash
	serverID[0] = 0x05
	contractHash[0] = 0x06
	rec := &ClientRecord{
		ServerID:      serverID,
		ContractHash:  contractHash,
		Expiry:        clock.Now().Add(time.Minute),
		ContractBytes: dummyTxBytes(t, 1),
		RefundBytes:   dummyTxBytes(t, 2),
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store.Remove(ClientKey{ServerID: serverID, ContractHash: contractHash})

	clock.Advance(time.Hour)
	store.Tick()

	if len(broadcaster.Broadcasts()) != 0 {
		t.Fatalf("expected no broadcasts after Remove, got %d", len(broadcaster.Broadcasts()))
	}
}

func TestClientStoreExpiryBroadcastsContractThenRefund(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	store := NewClientStore(broadcaster, nil, clock, "test-client")
	defer store.Stop()

	var serverID, contractHash chainhash.Hash
	serverID[0] = 0x07
	contractHash[0] = 0x08
	rec := &ClientRecord{
		ServerID:      serverID,
		ContractHash:  contractHash,
		Expiry:        clock.Now().Add(time.Hour),
		ContractBytes: dummyTxBytes(t, 11),
		RefundBytes:   dummyTxBytes(t, 22),
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(time.Hour + DefaultPostExpirySlack + time.Second)
	store.Tick()

	broadcasts := broadcaster.Broadcasts()
	if len(broadcasts) != 2 {
		t.Fatalf("expected 2 broadcasts (contract, refund), got %d", len(broadcasts))
	}
	if broadcasts[0].LockTime != 11 {
		t.Fatalf("first broadcast locktime = %d, want 11 (the contract)", broadcasts[0].LockTime)
	}
	if broadcasts[1].LockTime != 22 {
		t.Fatalf("second broadcast locktime = %d, want 22 (the refund)", broadcasts[1].LockTime)
	}

	if _, ok := store.Get(ClientKey{ServerID: serverID, ContractHash: contractHash}); ok {
		t.Fatal("expired record should have been removed from the store")
	}
}

func TestClientStoreExpiryWithAlreadyBroadcastContractSkipsIt(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	store := NewClientStore(broadcaster, nil, clock, "test-client")
	defer store.Stop()

	var serverID, contractHash chainhash.Hash
	serverID[0] = 0x09
	contractHash[0] = 0x0a
	rec := &ClientRecord{
		ServerID:          serverID,
		ContractHash:      contractHash,
		Expiry:            clock.Now().Add(time.Hour),
		ContractBroadcast: true,
		RefundBytes:       dummyTxBytes(t, 33),
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(time.Hour + DefaultPostExpirySlack + time.Second)
	store.Tick()

	broadcasts := broadcaster.Broadcasts()
	if len(broadcasts) != 1 {
		t.Fatalf("expected exactly 1 broadcast (just the refund), got %d", len(broadcasts))
	}
	if broadcasts[0].LockTime != 33 {
		t.Fatalf("broadcast locktime = %d, want 33 (the refund)", broadcasts[0].LockTime)
	}
}
