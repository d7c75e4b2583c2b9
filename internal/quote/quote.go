// Package quote polls gateway snapshots and fans them out to stream subscribers.
package quote

import (
	"time"

	"github.com/boomtrade/bridge/internal/upstream"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
)

// Quote 行情快照
type Quote struct {
	Symbol       string                `json:"symbol"`
	InstrumentID upstream.InstrumentID `json:"instrumentId"`
	Bid          float64               `json:"bid"`
	Ask          float64               `json:"ask"`
	Last         float64               `json:"last"`
	Volume       float64               `json:"volume"`
	High         float64               `json:"high"`
	Low          float64               `json:"low"`
	Close        float64               `json:"close"`
	CapturedAt   time.Time             `json:"capturedAt"`
}

func fromSnapshot(symbol string, id upstream.InstrumentID, s *upstream.Snapshot, at time.Time) Quote {
	return Quote{
		Symbol:       symbol,
		InstrumentID: id,
		Bid:          s.Bid,
		Ask:          s.Ask,
		Last:         s.Last,
		Volume:       s.Volume,
		High:         s.High,
		Low:          s.Low,
		Close:        s.Close,
		CapturedAt:   at,
	}
}

// Tick carries either a quote or a stream error for one symbol.
type Tick struct {
	Symbol string
	Quote  *Quote
	Err    *bridgeerrors.Error
}
