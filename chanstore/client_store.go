// Package chanstore implements two persistent, keyed channel-record
// collections: ClientStore and ServerStore. Each survives process restarts
// via an opaque gob-encoded snapshot (mirroring paymentchannels/db.go's
// serializeChannel/deserializeChannel) and runs a background scheduler
// that fires broadcast actions as channels approach expiry, using a
// container/heap priority queue rather than a polled sleep loop.
package chanstore

import (
	"bytes"
	"encoding/gob"
	"sync"
	"time"

	"github.com/bchpaychan/paychannel/paychaniface"
	"github.com/bchpaychan/paychannel/paychanlog"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchutil"
	"github.com/go-errors/errors"
)

var log = paychanlog.SubLogger(paychanlog.SubsystemChanStore)

// DefaultPostExpirySlack is how long after T_exp the client store waits
// before firing the refund broadcast, giving the payee a window to close
// cooperatively first.
const DefaultPostExpirySlack = 5 * time.Minute

// ClientKey identifies one client-side channel record: a channel is scoped
// to (server, contract) so a payer can hold concurrent channels to
// multiple servers.
type ClientKey struct {
	ServerID     chainhash.Hash
	ContractHash chainhash.Hash
}

// ClientRecord is the persisted state of one client-side channel.
type ClientRecord struct {
	ServerID     chainhash.Hash
	ContractHash chainhash.Hash
	Value        bchutil.Amount
	PaidAmount   bchutil.Amount
	Expiry       time.Time
	Active       bool

	// ContractBytes and RefundBytes are the raw transactions the expiry
	// timer broadcasts, in order. ContractBroadcast is set by the embedder
	// when the contract has already gone out; when it is true the timer
	// sends only the refund. The store itself never sets it.
	ContractBytes     []byte
	ContractBroadcast bool
	RefundBytes       []byte
}

func (r *ClientRecord) key() ClientKey {
	return ClientKey{ServerID: r.ServerID, ContractHash: r.ContractHash}
}

// ClientStore holds every client-side channel this process knows about. A
// single exclusive lock protects the map and heap; broadcaster and
// persist-hook calls always happen after it is released.
type ClientStore struct {
	mu      sync.Mutex
	records map[ClientKey]*ClientRecord
	heap    clientHeap
	index   map[ClientKey]*clientHeapItem

	broadcaster paychaniface.Broadcaster
	persist     paychaniface.Persist
	clock       paychaniface.Clock

	persistKey      string
	postExpirySlack time.Duration

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewClientStore constructs an empty ClientStore and starts its expiry
// scheduler goroutine. Call Stop to tear it down.
func NewClientStore(broadcaster paychaniface.Broadcaster, persist paychaniface.Persist, clock paychaniface.Clock, persistKey string) *ClientStore {
	if clock == nil {
		clock = paychaniface.SystemClock{}
	}
	s := &ClientStore{
		records:         make(map[ClientKey]*ClientRecord),
		index:           make(map[ClientKey]*clientHeapItem),
		broadcaster:     broadcaster,
		persist:         persist,
		clock:           clock,
		persistKey:      persistKey,
		postExpirySlack: DefaultPostExpirySlack,
		wake:            make(chan struct{}, 1),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	go s.run()
	return s
}

// Stop halts the scheduler goroutine. The store remains readable.
func (s *ClientStore) Stop() {
	close(s.stop)
	<-s.done
}

// Put inserts or replaces a channel record and persists a snapshot of the
// whole store via the configured Persist hook.
func (s *ClientStore) Put(rec *ClientRecord) error {
	s.mu.Lock()
	cp := *rec
	s.records[cp.key()] = &cp
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

// Get looks up a channel record by key.
func (s *ClientStore) Get(key ClientKey) (ClientRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return ClientRecord{}, false
	}
	return *rec, true
}

// MarkInactive flips a record's active flag to false; its expiry timer is
// unaffected — the whole point of the timer is to fire the safety-net
// broadcast even when no session is live.
func (s *ClientStore) MarkInactive(key ClientKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return errors.New("no such client channel record")
	}
	rec.Active = false
	return nil
}

// Remove deletes a record and cancels its scheduled broadcast. Called once
// a channel closes via the protocol, so its heap entry becomes a no-op.
func (s *ClientStore) Remove(key ClientKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	if item, ok := s.index[key]; ok {
		heapRemoveClient(&s.heap, item)
		delete(s.index, key)
	}
}

func (s *ClientStore) scheduleLocked(rec *ClientRecord) {
	key := rec.key()
	fireAt := rec.Expiry.Add(s.postExpirySlack)
	if item, ok := s.index[key]; ok {
		item.fireAt = fireAt
		heapFixClient(&s.heap, item.index)
		return
	}
	item := &clientHeapItem{key: key, fireAt: fireAt}
	s.index[key] = item
	heapPushClient(&s.heap, item)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Serialize returns an opaque gob-encoded snapshot of every record in the
// store, for the hosting wallet's extension-blob mechanism.
func (s *ClientStore) Serialize() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serializeLocked()
}

func (s *ClientStore) serializeLocked() ([]byte, error) {
	records := make([]ClientRecord, 0, len(s.records))
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
// data, rebuilding the expiry heap. Active is forced false for every
// restored record, matching a fresh process attaching to no live session.
func (s *ClientStore) Deserialize(data []byte) error {
	var records []ClientRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[ClientKey]*ClientRecord, len(records))
	s.heap = nil
	s.index = make(map[ClientKey]*clientHeapItem, len(records))
	for i := range records {
		records[i].Active = false
		rec := records[i]
		s.records[rec.key()] = &rec
		s.scheduleLocked(&rec)
	}
	return nil
}

func (s *ClientStore) run() {
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
// the configured Clock, firing every entry that is now due. Production use
// relies on the background scheduler goroutine and never needs this;
// tests using a mock Clock call Tick after advancing it to get a
// deterministic firing instead of waiting on a real timer.
func (s *ClientStore) Tick() {
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

func (s *ClientStore) fireNext() {
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
	rec, ok := s.records[item.key]
	heapRemoveClient(&s.heap, item)
	delete(s.index, item.key)
	if ok {
		delete(s.records, item.key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.fireRecord(rec)
}

// fireRecord broadcasts the contract (if not already sent) and then the
// refund, in that strict order: the refund is never sent ahead of its
// contract.
func (s *ClientStore) fireRecord(rec *ClientRecord) {
	if !rec.ContractBroadcast {
		if len(rec.ContractBytes) == 0 {
			log.Errorf("client channel %s expired with no recorded contract; dropping refund timer", rec.ContractHash)
			return
		}
		contractTx, err := decodeTx(rec.ContractBytes)
		if err != nil {
			log.Errorf("corrupt stored contract for expired channel %s: %s", rec.ContractHash, err)
			return
		}
		if err := s.broadcaster.Broadcast(contractTx); err != nil {
			log.Errorf("failed to broadcast contract for expired channel %s: %s", rec.ContractHash, err)
			return
		}
	}
	if len(rec.RefundBytes) == 0 {
		log.Errorf("client channel %s expired with no signed refund to broadcast", rec.ContractHash)
		return
	}
	refundTx, err := decodeTx(rec.RefundBytes)
	if err != nil {
		log.Errorf("corrupt stored refund for expired channel %s: %s", rec.ContractHash, err)
		return
	}
	if err := s.broadcaster.Broadcast(refundTx); err != nil {
		log.Errorf("failed to broadcast refund for expired channel %s: %s", rec.ContractHash, err)
	}
}
