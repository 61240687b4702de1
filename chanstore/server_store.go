package chanstore

import (
	"bytes"
	"container/heap"
	"encoding/gob"
	"sync"
	"time"

	"github.com/bchpaychan/paychannel/paychaniface"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchutil"
	"github.com/go-errors/errors"
)

// DefaultSafetyMargin is how long before T_exp the server store fires its
// best-settlement broadcast, leaving room for the transaction to confirm
// ahead of the refund becoming spendable.
const DefaultSafetyMargin = 2 * time.Second

// ServerRecord is the persisted state of one server-side channel, keyed
// directly by its contract hash.
type ServerRecord struct {
	ContractHash        chainhash.Hash
	Value               bchutil.Amount
	PaidAmount          bchutil.Amount
	Expiry              time.Time
	Active              bool
	BestSettlementBytes []byte
}

// ServerStore holds every server-side channel this process knows about,
// keyed by contract hash. Locking and broadcast-outside-the-lock
// discipline mirror ClientStore.
type ServerStore struct {
	mu      sync.Mutex
	records map[chainhash.Hash]*ServerRecord
	heap    serverHeap
	index   map[chainhash.Hash]*serverHeapItem

	broadcaster paychaniface.Broadcaster
	persist     paychaniface.Persist
	clock       paychaniface.Clock

	persistKey   string
	safetyMargin time.Duration

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewServerStore constructs an empty ServerStore and starts its expiry
// scheduler goroutine. Call Stop to tear it down.
func NewServerStore(broadcaster paychaniface.Broadcaster, persist paychaniface.Persist, clock paychaniface.Clock, persistKey string) *ServerStore {
	if clock == nil {
		clock = paychaniface.SystemClock{}
	}
	s := &ServerStore{
		records:      make(map[chainhash.Hash]*ServerRecord),
		index:        make(map[chainhash.Hash]*serverHeapItem),
		broadcaster:  broadcaster,
		persist:      persist,
		clock:        clock,
		persistKey:   persistKey,
		safetyMargin: DefaultSafetyMargin,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go s.run()
	return s
}

// Stop halts the scheduler goroutine. The store remains readable.
func (s *ServerStore) Stop() {
	close(s.stop)
	<-s.done
}

// Put inserts or replaces a channel record and persists a snapshot of the
// whole store.
func (s *ServerStore) Put(rec *ServerRecord) error {
	s.mu.Lock()
	cp := *rec
	s.records[cp.ContractHash] = &cp
	s.scheduleLocked(&cp)
	snapshot, err := s.serializeLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if s.persist == nil {
		return nil
	}
	return s.persist.WriteExtension(s.persistKey, snapshot)
}

// Get looks up a channel record by contract hash.
func (s *ServerStore) Get(hash chainhash.Hash) (ServerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok {
		return ServerRecord{}, false
	}
	return *rec, true
}

// UpdateBest commits a new best V_s and settlement for an already-open
// channel. Applied on every accepted UPDATE_PAYMENT.
func (s *ServerStore) UpdateBest(hash chainhash.Hash, newVs bchutil.Amount, settlementBytes []byte) error {
	s.mu.Lock()
	rec, ok := s.records[hash]
	if !ok {
		s.mu.Unlock()
		return errors.New("no such server channel record")
	}
	rec.PaidAmount = newVs
	rec.BestSettlementBytes = settlementBytes
	snapshot, err := s.serializeLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if s.persist == nil {
		return nil
	}
	return s.persist.WriteExtension(s.persistKey, snapshot)
}

// MarkInactive flips a record's active flag to false. The expiry timer is
// unaffected.
func (s *ServerStore) MarkInactive(hash chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok {
		return errors.New("no such server channel record")
	}
	rec.Active = false
	return nil
}

// Remove deletes a record and cancels its scheduled broadcast. Called once
// a channel closes via the protocol, so its heap entry becomes a no-op.
func (s *ServerStore) Remove(hash chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, hash)
	if item, ok := s.index[hash]; ok {
		heapRemoveServer(&s.heap, item)
		delete(s.index, hash)
	}
}

func (s *ServerStore) scheduleLocked(rec *ServerRecord) {
	fireAt := rec.Expiry.Add(-s.safetyMargin)
	if item, ok := s.index[rec.ContractHash]; ok {
		item.fireAt = fireAt
		heap.Fix(&s.heap, item.index)
		return
	}
	item := &serverHeapItem{hash: rec.ContractHash, fireAt: fireAt}
	s.index[rec.ContractHash] = item
	heap.Push(&s.heap, item)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Serialize returns an opaque gob-encoded snapshot of every record in the
// store.
func (s *ServerStore) Serialize() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serializeLocked()
}

func (s *ServerStore) serializeLocked() ([]byte, error) {
	records := make([]ServerRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, *r)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize replaces the store's contents with the records encoded in
// data, rebuilding the expiry heap, with Active forced false.
func (s *ServerStore) Deserialize(data []byte) error {
	var records []ServerRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[chainhash.Hash]*ServerRecord, len(records))
	s.heap = nil
	s.index = make(map[chainhash.Hash]*serverHeapItem, len(records))
	for i := range records {
		records[i].Active = false
		rec := records[i]
		s.records[rec.ContractHash] = &rec
		s.scheduleLocked(&rec)
	}
	return nil
}

func (s *ServerStore) run() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		s.mu.Lock()
		var d time.Duration
		var hasNext bool
		if len(s.heap) > 0 {
			hasNext = true
			d = s.heap[0].fireAt.Sub(s.clock.Now())
		}
		s.mu.Unlock()

		if hasNext {
			if d <= 0 {
				s.fireNext()
				continue
			}
			timer.Reset(d)
		}

		select {
		case <-s.stop:
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			s.fireNext()
		}
	}
}

// Tick forces an immediate, synchronous check of the expiry heap against
// the configured Clock, firing every entry that is now due. See
// ClientStore.Tick for rationale.
func (s *ServerStore) Tick() {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].fireAt.After(s.clock.Now()) {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.fireNext()
	}
}

func (s *ServerStore) fireNext() {
	s.mu.Lock()
	if len(s.heap) == 0 {
		s.mu.Unlock()
		return
	}
	item := s.heap[0]
	if item.fireAt.After(s.clock.Now()) {
		s.mu.Unlock()
		return
	}
	rec, ok := s.records[item.hash]
	heapRemoveServer(&s.heap, item)
	delete(s.index, item.hash)
	if ok {
		delete(s.records, item.hash)
	}
	s.mu.Unlock()

	if !ok || len(rec.BestSettlementBytes) == 0 {
		return
	}
	tx, err := decodeTx(rec.BestSettlementBytes)
	if err != nil {
		log.Errorf("corrupt stored settlement for expiring channel %s: %s", rec.ContractHash, err)
		return
	}
	if err := s.broadcaster.Broadcast(tx); err != nil {
		log.Errorf("failed to broadcast best settlement for expiring channel %s: %s", rec.ContractHash, err)
	}
}

type serverHeapItem struct {
	hash   chainhash.Hash
	fireAt time.Time
	index  int
}

type serverHeap []*serverHeapItem

func (h serverHeap) Len() int           { return len(h) }
func (h serverHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }
func (h serverHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *serverHeap) Push(x interface{}) {
	item := x.(*serverHeapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *serverHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func heapRemoveServer(h *serverHeap, item *serverHeapItem) {
	if item.index < 0 || item.index >= len(*h) || (*h)[item.index] != item {
		return
	}
	heap.Remove(h, item.index)
}
