package depth

// IcebergDetector flags levels whose displayed size reaches the chunk
// threshold. It is a display hint only; no refill history is kept.
type IcebergDetector struct {
	enabled  bool
	minChunk uint32
	bids     *priceMap[uint32]
	asks     *priceMap[uint32]
}

func NewIcebergDetector(enabled bool, minChunk uint32) *IcebergDetector {
	return &IcebergDetector{
		enabled:  enabled,
		minChunk: minChunk,
		bids:     newPriceMap[uint32](),
		asks:     newPriceMap[uint32](),
	}
}

func (d *IcebergDetector) side(isBid bool) *priceMap[uint32] {
	if isBid {
		return d.bids
	}
	return d.asks
}

func (d *IcebergDetector) At(isBid bool, price int32) (uint32, bool) {
	return d.side(isBid).get(price)
}

// OnDepth mirrors the new size of a level. A removed level always drops its
// flag; while detection is disabled nothing else changes.
func (d *IcebergDetector) OnDepth(isBid bool, price int32, newSize uint32) {
	chunks := d.side(isBid)
	if newSize == 0 {
		chunks.delete(price)
		return
	}
	if !d.enabled {
		return
	}
	if newSize >= d.minChunk {
		chunks.set(price, newSize)
	} else {
		chunks.delete(price)
	}
}

func (d *IcebergDetector) Prune(isBid bool, lo, hi int64) { d.side(isBid).keepRange(lo, hi) }

func (d *IcebergDetector) Clear(isBid bool) { d.side(isBid).clear() }

func (d *IcebergDetector) Configure(enabled bool, minChunk uint32) {
	d.enabled = enabled
	d.minChunk = minChunk
}
