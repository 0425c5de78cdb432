package acceptor

// connList is a doubly linked list of connections stored in a slot arena.
// Slot 0 is the sentinel, so slot 0 doubles as "end" and "not linked".
// Each connection remembers its own slot, giving O(1) unlink and move.
// Freed slots are reused.
type connList struct {
	nodes []listNode
	free  []int32
	size  int
}

type listNode struct {
	conn       Connection
	prev, next int32
}

const listEnd int32 = 0

func newConnList() *connList {
	return &connList{nodes: []listNode{{}}}
}

func (l *connList) Len() int { return l.size }

func (l *connList) Front() int32 { return l.nodes[0].next }

func (l *connList) Next(slot int32) int32 { return l.nodes[slot].next }

func (l *connList) At(slot int32) Connection { return l.nodes[slot].conn }

func (l *connList) PushFront(c Connection) int32 {
	return l.insertAfter(0, c)
}

// Remove unlinks slot and frees it.
func (l *connList) Remove(slot int32) {
	l.unlink(slot)
	l.nodes[slot] = listNode{}
	l.free = append(l.free, slot)
	l.size--
}

// MoveToFront and MoveToBack keep the slot number stable.
func (l *connList) MoveToFront(slot int32) {
	l.unlink(slot)
	l.link(0, slot)
}

func (l *connList) MoveToBack(slot int32) {
	l.unlink(slot)
	l.link(l.nodes[0].prev, slot)
}

func (l *connList) insertAfter(at int32, c Connection) int32 {
	var slot int32
	if n := len(l.free); n > 0 {
		slot = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.nodes = append(l.nodes, listNode{})
		slot = int32(len(l.nodes) - 1)
	}
	l.nodes[slot].conn = c
	l.link(at, slot)
	l.size++
	return slot
}

func (l *connList) link(at, slot int32) {
	next := l.nodes[at].next
	l.nodes[slot].prev = at
	l.nodes[slot].next = next
	l.nodes[at].next = slot
	l.nodes[next].prev = slot
}

func (l *connList) unlink(slot int32) {
	prev, next := l.nodes[slot].prev, l.nodes[slot].next
	l.nodes[prev].next = next
	l.nodes[next].prev = prev
	l.nodes[slot].prev = listEnd
	l.nodes[slot].next = listEnd
}
