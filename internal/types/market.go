package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// DataType tags a market data message with the kind of event it carries.
type DataType string

const (
	DataTypeBar         DataType = "BAR"
	DataTypeTick        DataType = "TICK"
	DataTypeOrder       DataType = "ORDER"
	DataTypeTrade       DataType = "TRADE"
	DataTypeFundingRate DataType = "FUNDING_RATE"
)

// AllDataTypes lists every valid data type tag, used for validation and schema generation.
var AllDataTypes = []DataType{
	DataTypeBar,
	DataTypeTick,
	DataTypeOrder,
	DataTypeTrade,
	DataTypeFundingRate,
}

// IsValid reports whether the data type is one of the known tags.
func (d DataType) IsValid() bool {
	for _, t := range AllDataTypes {
		if d == t {
			return true
		}
	}

	return false
}

// MarketData is a single market event distributed to subscribed workers.
type MarketData struct {
	Symbol   string          `json:"symbol"`
	DataType DataType        `json:"data_type"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Time     time.Time       `json:"time"`
}
