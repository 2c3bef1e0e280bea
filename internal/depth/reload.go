package depth

// ReloadDetector accumulates net passive size changes near the touch. Size
// taken out of a level by an execution is put back by Correct, so what remains
// is stacking (+) or pulling (-).
type ReloadDetector struct {
	rangeTicks int32
	bids       *priceMap[int64]
	asks       *priceMap[int64]
}

func NewReloadDetector(rangeTicks int32) *ReloadDetector {
	return &ReloadDetector{
		rangeTicks: rangeTicks,
		bids:       newPriceMap[int64](),
		asks:       newPriceMap[int64](),
	}
}

func (r *ReloadDetector) side(isBid bool) *priceMap[int64] {
	if isBid {
		return r.bids
	}
	return r.asks
}

func (r *ReloadDetector) At(isBid bool, price int32) (int64, bool) {
	return r.side(isBid).get(price)
}

// InRange reports whether price is close enough to best to be tracked. Bids
// count from bestBid-range upwards, asks from bestAsk+range downwards. With no
// best on the side everything is in range.
func (r *ReloadDetector) InRange(isBid bool, price int32, best Quote) bool {
	if !best.Valid {
		return true
	}
	if isBid {
		return int64(price) >= int64(best.Price)-int64(r.rangeTicks)
	}
	return int64(price) <= int64(best.Price)+int64(r.rangeTicks)
}

// OnDepth must be called with the level's size from before the book update.
// Creation of a level (oldSize == 0) is never a reload.
func (r *ReloadDetector) OnDepth(isBid bool, price int32, oldSize, newSize uint32, best Quote) {
	delta := int64(newSize) - int64(oldSize)
	if delta == 0 || oldSize == 0 || !r.InRange(isBid, price, best) {
		return
	}
	accumulate(r.side(isBid), price, delta, true)
}

// Correct reverses the pull recorded for size consumed by a trade. The passive
// side is asks when the buyer aggressed. Prices with no entry are left alone.
func (r *ReloadDetector) Correct(price int32, size uint32, buyerIsAggressor bool) {
	accumulate(r.side(!buyerIsAggressor), price, int64(size), false)
}

func (r *ReloadDetector) Prune(isBid bool, lo, hi int64) { r.side(isBid).keepRange(lo, hi) }

func (r *ReloadDetector) Clear(isBid bool) { r.side(isBid).clear() }

func (r *ReloadDetector) SetRange(ticks int32) { r.rangeTicks = ticks }

// accumulate adds delta at price; a sum of exactly zero removes the entry.
func accumulate(m *priceMap[int64], price int32, delta int64, create bool) {
	cur, ok := m.get(price)
	if !ok && !create {
		return
	}
	if next := cur + delta; next == 0 {
		m.delete(price)
	} else {
		m.set(price, next)
	}
}
