package comet

import (
	"container/heap"
	"slices"
)

// use this type when counting bytes
type ByteCount = int64

// comparable when `P` is comparable
type SequencedPacket[P any] struct {
	PacketId uint64
	Payload  P
}

// the session wire payloads are strings
type Packet = SequencedPacket[string]

type queuedPacket[P any] struct {
	packetId  uint64
	payload   P
	byteCount ByteCount

	// the index of the item in the heap
	heapIndex int
}

// ordered by packetId
// not thread safe. Owners serialize access with their own state lock.
type packetQueue[P any] struct {
	orderedItems []*queuedPacket[P]
	// packet_id -> item
	packetIdItems map[uint64]*queuedPacket[P]
	byteCount     ByteCount
}

func newPacketQueue[P any]() *packetQueue[P] {
	packetQueue := &packetQueue[P]{
		orderedItems:  []*queuedPacket[P]{},
		packetIdItems: map[uint64]*queuedPacket[P]{},
		byteCount:     0,
	}
	heap.Init(packetQueue)
	return packetQueue
}

func (self *packetQueue[P]) QueueSize() (int, ByteCount) {
	return len(self.orderedItems), self.byteCount
}

// returns false if the packet id is already queued
func (self *packetQueue[P]) Add(packetId uint64, payload P, byteCount ByteCount) bool {
	if _, ok := self.packetIdItems[packetId]; ok {
		return false
	}
	item := &queuedPacket[P]{
		packetId:  packetId,
		payload:   payload,
		byteCount: byteCount,
	}
	self.packetIdItems[packetId] = item
	heap.Push(self, item)
	self.byteCount += byteCount
	return true
}

// removes every packet with `packetId <= ackId` and returns the number removed
func (self *packetQueue[P]) RemoveThrough(ackId uint64) int {
	removedCount := 0
	for 0 < len(self.orderedItems) && self.orderedItems[0].packetId <= ackId {
		self.remove(self.orderedItems[0])
		removedCount += 1
	}
	return removedCount
}

func (self *packetQueue[P]) remove(item *queuedPacket[P]) {
	delete(self.packetIdItems, item.packetId)
	item_ := heap.Remove(self, item.heapIndex)
	if item != item_ {
		panic("Heap invariant broken.")
	}
	self.byteCount -= item.byteCount
}

func (self *packetQueue[P]) PeekFirst() (packet SequencedPacket[P], ok bool) {
	if len(self.orderedItems) == 0 {
		return
	}
	item := self.orderedItems[0]
	return SequencedPacket[P]{
		PacketId: item.packetId,
		Payload:  item.payload,
	}, true
}

func (self *packetQueue[P]) RemoveFirst() (packet SequencedPacket[P], ok bool) {
	if len(self.orderedItems) == 0 {
		return
	}
	item := self.orderedItems[0]
	self.remove(item)
	return SequencedPacket[P]{
		PacketId: item.packetId,
		Payload:  item.payload,
	}, true
}

// sorted ascending by packet id
func (self *packetQueue[P]) Snapshot() []SequencedPacket[P] {
	packets := make([]SequencedPacket[P], 0, len(self.orderedItems))
	for _, item := range self.orderedItems {
		packets = append(packets, SequencedPacket[P]{
			PacketId: item.packetId,
			Payload:  item.payload,
		})
	}
	slices.SortFunc(packets, func(a SequencedPacket[P], b SequencedPacket[P]) int {
		if a.PacketId < b.PacketId {
			return -1
		} else if b.PacketId < a.PacketId {
			return 1
		} else {
			return 0
		}
	})
	return packets
}

// heap.Interface

func (self *packetQueue[P]) Push(x any) {
	item := x.(*queuedPacket[P])
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *packetQueue[P]) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *packetQueue[P]) Len() int {
	return len(self.orderedItems)
}

func (self *packetQueue[P]) Less(i int, j int) bool {
	return self.orderedItems[i].packetId < self.orderedItems[j].packetId
}

func (self *packetQueue[P]) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
