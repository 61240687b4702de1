package chanstore

import "sync"

// Kmutex is a keyed mutex: Lock/Unlock serialize access per key rather than
// globally. The embedder uses it to serialize protocol-message dispatch
// for one channel while letting unrelated channels proceed concurrently.
//
// Ported from paymentchannels/kmutex.go.
type Kmutex struct {
	m *sync.Map
}

// NewKmutex constructs an empty Kmutex.
func NewKmutex() Kmutex {
	var m sync.Map
	return Kmutex{&m}
}

// Lock acquires the mutex associated with key, blocking until available.
func (k Kmutex) Lock(key interface{}) {
	mtx := &sync.Mutex{}
	actual, _ := k.m.LoadOrStore(key, mtx)
	owned := actual.(*sync.Mutex)
	owned.Lock()
	if owned != mtx {
		owned.Unlock()
		k.Lock(key)
		return
	}
}

// Unlock releases the mutex associated with key and forgets it.
func (k Kmutex) Unlock(key interface{}) {
	l, ok := k.m.Load(key)
	if !ok {
		panic("kmutex: unlock of unlocked mutex")
	}
	k.m.Delete(key)
	l.(*sync.Mutex).Unlock()
}
