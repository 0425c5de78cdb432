package intrusive

// Heap is a min-heap that stores each element's position inside the element
// itself, so an element can be erased or re-keyed in O(log N) without a search.
//
// The stored index is 1-based; 0 means "not in a heap". Callers own the index
// field and must never modify it while the element is linked.
type Heap[T any] struct {
	storage []entry[T]
	less    func(a, b *T) bool
}

type entry[T any] struct {
	ptr   *T
	index *int
}

// NewHeap creates a heap ordered by less. size preallocates storage.
func NewHeap[T any](less func(a, b *T) bool, size int) *Heap[T] {
	return &Heap[T]{
		less:    less,
		storage: make([]entry[T], 0, size),
	}
}

func (h *Heap[T]) Len() int {
	return len(h.storage)
}

// Front returns the smallest element, or nil when the heap is empty.
func (h *Heap[T]) Front() *T {
	if len(h.storage) == 0 {
		return nil
	}
	return h.storage[0].ptr
}

// Insert links node. Returns false if node is already linked.
func (h *Heap[T]) Insert(node *T, index *int) bool {
	if *index != 0 {
		return false
	}
	h.storage = append(h.storage, entry[T]{node, index})
	h.moveUp(len(h.storage) - 1)
	return true
}

// Erase unlinks node. Returns false if node is not linked.
func (h *Heap[T]) Erase(node *T, index *int) bool {
	if *index == 0 {
		return false
	}
	pos := *index - 1
	if pos >= len(h.storage) || h.storage[pos] != (entry[T]{node, index}) {
		panic("intrusive: element is linked into a different heap")
	}
	*index = 0
	h.popBackTo(pos)
	if pos < len(h.storage) {
		h.fix(pos)
	}
	return true
}

// Fix restores ordering after the key of a linked node changed.
func (h *Heap[T]) Fix(index *int) {
	if *index == 0 {
		return
	}
	h.fix(*index - 1)
}

func (h *Heap[T]) PopFront() *T {
	if len(h.storage) == 0 {
		return nil
	}
	front := h.storage[0]
	*front.index = 0
	h.popBackTo(0)
	if len(h.storage) > 0 {
		h.moveDown(0)
	}
	return front.ptr
}

func (h *Heap[T]) popBackTo(pos int) {
	last := len(h.storage) - 1
	h.storage[pos] = h.storage[last]
	h.storage[last] = entry[T]{} // do not leave aliases
	h.storage = h.storage[:last]
}

func (h *Heap[T]) fix(pos int) {
	if pos > 0 && h.less(h.storage[pos].ptr, h.storage[(pos-1)/2].ptr) {
		h.moveUp(pos)
	} else {
		h.moveDown(pos)
	}
}

func (h *Heap[T]) moveDown(pos int) {
	size := len(h.storage)
	data := h.storage[pos]
	for {
		child := pos*2 + 1
		if child >= size {
			break
		}
		if child+1 < size && !h.less(h.storage[child].ptr, h.storage[child+1].ptr) {
			child++
		}
		if !h.less(h.storage[child].ptr, data.ptr) {
			break
		}
		h.storage[pos] = h.storage[child]
		*h.storage[pos].index = pos + 1
		pos = child
	}
	h.storage[pos] = data
	*h.storage[pos].index = pos + 1
}

func (h *Heap[T]) moveUp(pos int) {
	data := h.storage[pos]
	for pos > 0 {
		parent := (pos - 1) / 2
		if !h.less(data.ptr, h.storage[parent].ptr) {
			break
		}
		h.storage[pos] = h.storage[parent]
		*h.storage[pos].index = pos + 1
		pos = parent
	}
	h.storage[pos] = data
	*h.storage[pos].index = pos + 1
}
