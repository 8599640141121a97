package storage

// Overlay layers uncommitted writes over a base reader. Block
// execution runs on an overlay per block; each transaction forks a
// child overlay that is merged on success and dropped on failure.
type Overlay struct {
	base Getter
	st   map[string][]byte
}

func NewOverlay(base Getter) *Overlay {
	return &Overlay{base: base, st: make(map[string][]byte)}
}

// Fork creates a child overlay whose reads fall through to o.
func (o *Overlay) Fork() *Overlay {
	return &Overlay{base: o, st: make(map[string][]byte)}
}

// Merge pushes this overlay's writes into its parent overlay. Only
// valid on forked overlays.
func (o *Overlay) Merge() {
	p := o.base.(*Overlay)
	for k, v := range o.st {
		p.st[k] = v
	}
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	if v, ok := o.st[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return v, nil
	}
	return o.base.Get(key)
}

func (o *Overlay) Has(key []byte) (bool, error) {
	if v, ok := o.st[string(key)]; ok {
		return v != nil, nil
	}
	return o.base.Has(key)
}

func (o *Overlay) Put(key, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	o.st[string(key)] = cp
}

func (o *Overlay) Delete(key []byte) {
	o.st[string(key)] = nil
}

func (o *Overlay) Len() int {
	return len(o.st)
}

// Flush appends all staged writes to b.
func (o *Overlay) Flush(b *Batch) {
	for k, v := range o.st {
		if v == nil {
			b.Delete([]byte(k))
		} else {
			b.Put([]byte(k), v)
		}
	}
}
