package depth

// FootprintCell is traded volume at one price split by aggressor side. "Buy"
// means the buyer lifted the offer.
type FootprintCell struct {
	BuyVolume  uint64 `json:"buyVolume"`
	SellVolume uint64 `json:"sellVolume"`
	BuyCount   uint32 `json:"buyCount"`
	SellCount  uint32 `json:"sellCount"`
}

func (c *FootprintCell) Add(buy bool, size uint32) {
	if buy {
		c.BuyVolume += uint64(size)
		c.BuyCount++
	} else {
		c.SellVolume += uint64(size)
		c.SellCount++
	}
}

// Subtract undoes one Add, saturating at zero. No event path calls it.
func (c *FootprintCell) Subtract(buy bool, size uint32) {
	if buy {
		c.BuyVolume = subSat(c.BuyVolume, uint64(size))
		if c.BuyCount > 0 {
			c.BuyCount--
		}
	} else {
		c.SellVolume = subSat(c.SellVolume, uint64(size))
		if c.SellCount > 0 {
			c.SellCount--
		}
	}
}

func (c FootprintCell) IsEmpty() bool {
	return c.BuyVolume == 0 && c.SellVolume == 0 && c.BuyCount == 0 && c.SellCount == 0
}

func (c FootprintCell) Delta() int64 { return int64(c.BuyVolume) - int64(c.SellVolume) }

func subSat(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// FootprintAggregator keeps a session footprint that lives as long as the
// engine and a rolling one that is wiped by ResetRolling.
type FootprintAggregator struct {
	session map[int32]*FootprintCell
	rolling map[int32]*FootprintCell
}

func NewFootprintAggregator() *FootprintAggregator {
	return &FootprintAggregator{
		session: make(map[int32]*FootprintCell),
		rolling: make(map[int32]*FootprintCell),
	}
}

func (f *FootprintAggregator) Record(price int32, size uint32, buyerIsAggressor bool) {
	cellAt(f.session, price).Add(buyerIsAggressor, size)
	cellAt(f.rolling, price).Add(buyerIsAggressor, size)
}

func (f *FootprintAggregator) ResetRolling() { clear(f.rolling) }

func (f *FootprintAggregator) Session(price int32) (FootprintCell, bool) { return lookup(f.session, price) }
func (f *FootprintAggregator) Rolling(price int32) (FootprintCell, bool) { return lookup(f.rolling, price) }

func cellAt(m map[int32]*FootprintCell, price int32) *FootprintCell {
	c, ok := m[price]
	if !ok {
		c = &FootprintCell{}
		m[price] = c
	}
	return c
}

func lookup(m map[int32]*FootprintCell, price int32) (FootprintCell, bool) {
	c, ok := m[price]
	if !ok {
		return FootprintCell{}, false
	}
	return *c, true
}

// copyCells returns value copies so readers never share the live cells.
func copyCells(m map[int32]*FootprintCell) map[int32]FootprintCell {
	out := make(map[int32]FootprintCell, len(m))
	for p, c := range m {
		out[p] = *c
	}
	return out
}
