package vectorindex

import "sync/atomic"

// Holder publishes the current Set to concurrent readers. Replace swaps the whole Set.
type Holder struct {
	current atomic.Pointer[Set]
}

func NewHolder(set *Set) *Holder {
	h := &Holder{}
	if set != nil {
		h.current.Store(set)
	}
	return h
}

func (h *Holder) Current() *Set {
	return h.current.Load()
}

func (h *Holder) Replace(set *Set) {
	h.current.Store(set)
}
