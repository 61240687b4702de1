package chanstore

import (
	"testing"
	"time"

	"github.com/bchpaychan/paychannel/paychantest"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchutil"
)

func TestServerStorePutGetRoundTrip(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	persist := paychantest.NewMockPersist()
	store := NewServerStore(broadcaster, persist, clock, "test-server")
	defer store.Stop()

	var contractHash chainhash.Hash
	contractHash[0] = 0x11

	rec := &ServerRecord{
		ContractHash:        contractHash,
		Value:               bchutil.Amount(100000000),
		PaidAmount:           bchutil.Amount(2000000),
		Expiry:              clock.Now().Add(time.Hour),
		Active:              true,
		BestSettlementBytes: dummyTxBytes(t, 1),
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := store.Get(contractHash)
	if !ok {
		t.Fatal("Get: record not found")
	}
	if got.PaidAmount != rec.PaidAmount {
		t.Fatalf("PaidAmount = %d, want %d", got.PaidAmount, rec.PaidAmount)
	}
}

func TestServerStoreUpdateBest(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	store := NewServerStore(broadcaster, nil, clock, "test-server")
	defer store.Stop()

	var contractHash chainhash.Hash
	contractHash[0] = 0x12
	rec := &ServerRecord{ContractHash: contractHash, Expiry: clock.Now().Add(time.Hour)}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	newBytes := dummyTxBytes(t, 99)
	if err := store.UpdateBest(contractHash, bchutil.Amount(5000000), newBytes); err != nil {
		t.Fatalf("UpdateBest: %v", err)
	}

	got, ok := store.Get(contractHash)
	if !ok {
		t.Fatal("Get: record not found")
	}
	if got.PaidAmount != bchutil.Amount(5000000) {
		t.Fatalf("PaidAmount = %d, want 5000000", got.PaidAmount)
	}
	if string(got.BestSettlementBytes) != string(newBytes) {
		t.Fatal("BestSettlementBytes not updated")
	}
}

func TestServerStoreUpdateBestUnknownRecord(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	store := NewServerStore(broadcaster, nil, clock, "test-server")
	defer store.Stop()

	var contractHash chainhash.Hash
	contractHash[0] = 0x13
	if err := store.UpdateBest(contractHash, bchutil.Amount(1), nil); err == nil {
		t.Fatal("UpdateBest on unknown record: expected error, got nil")
	}
}

func TestServerStoreSerializeDeserializeRoundTrip(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	store := NewServerStore(broadcaster, nil, clock, "test-server")
	defer store.Stop()

	var contractHash chainhash.Hash
	contractHash[0] = 0x14
	rec := &ServerRecord{
		ContractHash: contractHash,
		Value:        bchutil.Amount(75000000),
		Expiry:       clock.Now().Add(3 * time.Hour),
		Active:       true,
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	snapshot, err := store.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	other := NewServerStore(broadcaster, nil, clock, "test-server-2")
	defer other.Stop()
	if err := other.Deserialize(snapshot); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	got, ok := other.Get(contractHash)
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

func TestServerStoreExpiryBroadcastsBestSettlement(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	store := NewServerStore(broadcaster, nil, clock, "test-server")
	defer store.Stop()

	var contractHash chainhash.Hash
	contractHash[0] = 0x15
	rec := &ServerRecord{
		ContractHash:        contractHash,
		Expiry:              clock.Now().Add(time.Hour),
		BestSettlementBytes: dummyTxBytes(t, 44),
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(time.Hour)
	store.Tick()

	broadcasts := broadcaster.Broadcasts()
	if len(broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(broadcasts))
	}
	if broadcasts[0].LockTime != 44 {
		t.Fatalf("broadcast locktime = %d, want 44", broadcasts[0].LockTime)
	}
	if _, ok := store.Get(contractHash); ok {
		t.Fatal("expired record should have been removed from the store")
	}
}

func TestServerStoreExpiryWithNoSettlementDoesNotBroadcast(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	store := NewServerStore(broadcaster, nil, clock, "test-server")
	defer store.Stop()

	var contractHash chainhash.Hash
	contractHash[0] = 0x16
	rec := &ServerRecord{ContractHash: contractHash, Expiry: clock.Now().Add(time.Hour)}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(time.Hour)
	store.Tick()

	if len(broadcaster.Broadcasts()) != 0 {
		t.Fatalf("expected no broadcasts, got %d", len(broadcaster.Broadcasts()))
	}
}

func TestServerStoreRemoveCancelsTimer(t *testing.T) {
	clock := paychantest.NewMockClock(time.Unix(1700000000, 0))
	broadcaster := &paychantest.MockBroadcaster{}
	store := NewServerStore(broadcaster, nil, clock, "test-server")
	defer store.Stop()

	var contractHash chainhash.Hash
	contractHash[0] = 0x17
	rec := &ServerRecord{
		ContractHash:        contractHash,
		Expiry:              clock.Now().Add(time.Minute),
		BestSettlementBytes: dummyTxBytes(t, 55),
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store.Remove(contractHash)

	clock.Advance(time.Hour)
	store.Tick()

	if len(broadcaster.Broadcasts()) != 0 {
		t.Fatalf("expected no broadcasts after Remove, got %d", len(broadcaster.Broadcasts()))
	}
}
