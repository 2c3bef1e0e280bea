package depth

// Book holds the resting size per price for both sides and tracks the best
// quote of each.
type Book struct {
	bids    *priceMap[uint32]
	asks    *priceMap[uint32]
	bestBid Quote
	bestAsk Quote
}

func NewBook() *Book {
	return &Book{
		bids: newPriceMap[uint32](),
		asks: newPriceMap[uint32](),
	}
}

func (b *Book) side(isBid bool) *priceMap[uint32] {
	if isBid {
		return b.bids
	}
	return b.asks
}

// Size returns the resting size at price, 0 if the level is absent.
func (b *Book) Size(isBid bool, price int32) uint32 {
	sz, _ := b.side(isBid).get(price)
	return sz
}

func (b *Book) BestBid() Quote { return b.bestBid }
func (b *Book) BestAsk() Quote { return b.bestAsk }

func (b *Book) Best(isBid bool) Quote {
	if isBid {
		return b.bestBid
	}
	return b.bestAsk
}

func (b *Book) Len(isBid bool) int { return b.side(isBid).len() }

// Apply sets the level at price to newSize, removing it when newSize is 0. It
// returns the size change and whether the best quote on that side moved.
func (b *Book) Apply(isBid bool, price int32, newSize uint32) (delta int64, bestChanged bool) {
	levels := b.side(isBid)
	oldSize, _ := levels.get(price)
	delta = int64(newSize) - int64(oldSize)

	best := b.Best(isBid)
	next := best
	if newSize == 0 {
		levels.delete(price)
		if best.Valid && price == best.Price {
			next = b.extreme(isBid)
		}
	} else {
		levels.set(price, newSize)
		if !best.Valid || (isBid && price > best.Price) || (!isBid && price < best.Price) {
			next = quoteOf(price)
		}
	}

	if isBid {
		b.bestBid = next
	} else {
		b.bestAsk = next
	}
	return delta, next != best
}

func (b *Book) extreme(isBid bool) Quote {
	var (
		p  int32
		ok bool
	)
	if isBid {
		p, ok = b.bids.maxPrice()
	} else {
		p, ok = b.asks.minPrice()
	}
	if !ok {
		return Quote{}
	}
	return quoteOf(p)
}
