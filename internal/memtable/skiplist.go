package memtable

import (
	"math/rand"
	"time"
)

const (
	maxLevel    = 16
	probability = 0.5
)

type skipListNode struct {
	key   string
	entry Entry
	next  []*skipListNode
}

// skipList is a probabilistic ordered map from document path to its latest
// entry.
type skipList struct {
	head  *skipListNode
	level int
	size  int
	bytes int
	rng   *rand.Rand
}

func newSkipListNode(key string, entry Entry, level int) *skipListNode {
	return &skipListNode{
		key:   key,
		entry: entry,
		next:  make([]*skipListNode, level),
	}
}

func newSkipList() *skipList {
	return &skipList{
		head:  newSkipListNode("", Entry{}, maxLevel),
		level: 1,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (sl *skipList) randomLevel() int {
	level := 1
	for sl.rng.Float64() < probability && level < maxLevel {
		level++
	}
	return level
}

// set inserts or replaces the entry for a key. On replacement the highest
// sequence number wins.
func (sl *skipList) set(key string, entry Entry) {
	update := make([]*skipListNode, maxLevel)
	current := sl.head

	// Find predecessors at each level.
	for i := sl.level - 1; i >= 0; i-- {
		for current.next[i] != nil && current.next[i].key < key {
			current = current.next[i]
		}
		update[i] = current
	}

	current = current.next[0]

	if current != nil && current.key == key {
		if entry.Seq < current.entry.Seq {
			return
		}
		sl.bytes += len(entry.Value) - len(current.entry.Value)
		current.entry = entry
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level; i < newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	node := newSkipListNode(key, entry, newLevel)
	for i := 0; i < newLevel; i++ {
		node.next[i] = update[i].next[i]
		update[i].next[i] = node
	}

	sl.size++
	sl.bytes += len(key) + len(entry.Value)
}

func (sl *skipList) get(key string) (Entry, bool) {
	current := sl.head

	for i := sl.level - 1; i >= 0; i-- {
		for current.next[i] != nil && current.next[i].key < key {
			current = current.next[i]
		}
	}

	current = current.next[0]
	if current != nil && current.key == key {
		return current.entry, true
	}
	return Entry{}, false
}

// entries returns all entries in key order.
func (sl *skipList) entries() []Entry {
	out := make([]Entry, 0, sl.size)
	for node := sl.head.next[0]; node != nil; node = node.next[0] {
		out = append(out, node.entry)
	}
	return out
}
