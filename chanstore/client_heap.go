package chanstore

import (
	"bytes"
	"container/heap"
	"time"

	"github.com/gcash/bchd/wire"
)

// clientHeapItem is one entry in a ClientStore's expiry priority queue.
type clientHeapItem struct {
	key    ClientKey
	fireAt time.Time
	index  int
}

// clientHeap is a container/heap.Interface ordering entries by fireAt,
// earliest first.
type clientHeap []*clientHeapItem

func (h clientHeap) Len() int            { return len(h) }
func (h clientHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h clientHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *clientHeap) Push(x interface{}) {
	item := x.(*clientHeapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *clientHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func heapPushClient(h *clientHeap, item *clientHeapItem) { heap.Push(h, item) }
func heapFixClient(h *clientHeap, index int)             { heap.Fix(h, index) }

func heapRemoveClient(h *clientHeap, item *clientHeapItem) {
	if item.index < 0 || item.index >= len(*h) || (*h)[item.index] != item {
		return
	}
	heap.Remove(h, item.index)
}

// decodeTx parses a raw transaction previously produced by this package's
// own callers. A decode failure here means the store's own persisted bytes
// are corrupt, not a peer-supplied input.
func decodeTx(b []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(1)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return tx, nil
}
