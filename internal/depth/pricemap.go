package depth

import (
	"math"

	"github.com/google/btree"
)

const btreeDegree = 16

type priceEntry[V any] struct {
	price int32
	val   V
}

// priceMap is an ordered map from tick price to V. It is not safe for
// concurrent use; the Engine serialises access. Clones share structure
// copy-on-write and may be read while the source map keeps changing.
type priceMap[V any] struct {
	t *btree.BTreeG[priceEntry[V]]
}

func newPriceMap[V any]() *priceMap[V] {
	return &priceMap[V]{
		t: btree.NewG(btreeDegree, func(a, b priceEntry[V]) bool { return a.price < b.price }),
	}
}

func (m *priceMap[V]) get(price int32) (V, bool) {
	e, ok := m.t.Get(priceEntry[V]{price: price})
	return e.val, ok
}

func (m *priceMap[V]) set(price int32, v V) {
	m.t.ReplaceOrInsert(priceEntry[V]{price: price, val: v})
}

func (m *priceMap[V]) delete(price int32) bool {
	_, ok := m.t.Delete(priceEntry[V]{price: price})
	return ok
}

func (m *priceMap[V]) len() int { return m.t.Len() }

func (m *priceMap[V]) clear() { m.t.Clear(false) }

func (m *priceMap[V]) minPrice() (int32, bool) {
	e, ok := m.t.Min()
	return e.price, ok
}

func (m *priceMap[V]) maxPrice() (int32, bool) {
	e, ok := m.t.Max()
	return e.price, ok
}

// keepRange removes every key outside [lo, hi]. Bounds are int64 so callers can
// offset a best price without overflowing int32.
func (m *priceMap[V]) keepRange(lo, hi int64) {
	if lo > hi {
		m.clear()
		return
	}
	var drop []int32
	if lo > math.MinInt32 {
		m.t.AscendLessThan(priceEntry[V]{price: clampPrice(lo)}, func(e priceEntry[V]) bool {
			drop = append(drop, e.price)
			return true
		})
	}
	if hi < math.MaxInt32 {
		m.t.DescendGreaterThan(priceEntry[V]{price: clampPrice(hi)}, func(e priceEntry[V]) bool {
			drop = append(drop, e.price)
			return true
		})
	}
	for _, p := range drop {
		m.delete(p)
	}
}

func (m *priceMap[V]) clone() *priceMap[V] {
	return &priceMap[V]{t: m.t.Clone()}
}

// ascend visits entries lowest price first; descend highest first.
func (m *priceMap[V]) ascend(fn func(price int32, v V)) {
	m.t.Ascend(func(e priceEntry[V]) bool {
		fn(e.price, e.val)
		return true
	})
}

func (m *priceMap[V]) descend(fn func(price int32, v V)) {
	m.t.Descend(func(e priceEntry[V]) bool {
		fn(e.price, e.val)
		return true
	})
}

func clampPrice(p int64) int32 {
	switch {
	case p < math.MinInt32:
		return math.MinInt32
	case p > math.MaxInt32:
		return math.MaxInt32
	default:
		return int32(p)
	}
}
