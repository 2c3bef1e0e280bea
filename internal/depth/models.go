package depth

import (
	"encoding/json"
	"time"
)

// Level is a resting size at a tick price. Stored levels always have Size > 0.
type Level struct {
	Price int32  `json:"price"`
	Size  uint32 `json:"size"`
}

// Reload is the net passive size added (+) or pulled (-) at a price since the
// accumulator last crossed zero.
type Reload struct {
	Price int32 `json:"price"`
	Delta int64 `json:"delta"`
}

// Quote is a best bid or best ask. Valid is false when that side of the book
// is empty.
type Quote struct {
	Price int32
	Valid bool
}

func quoteOf(price int32) Quote { return Quote{Price: price, Valid: true} }

func (q Quote) MarshalJSON() ([]byte, error) {
	if !q.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(q.Price)
}

func (q *Quote) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*q = Quote{}
		return nil
	}
	var p int32
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*q = quoteOf(p)
	return nil
}

// Trade is one executed print as retained in the rolling trade history and the
// velocity window.
type Trade struct {
	Time             time.Time `json:"time"`
	Price            int32     `json:"price"`
	Size             uint32    `json:"size"`
	BuyerIsAggressor bool      `json:"buyerIsAggressor"`
}
