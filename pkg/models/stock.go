package models

import "time"

// Tick is a single trade event decoded from an upstream provider
type Tick struct {
	Provider  string    `json:"provider"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	EventTime time.Time `json:"event_time"`
}

// Profile is the static metadata a symbol is seeded with before its first tick.
type Profile struct {
	Symbol      string  `json:"symbol" yaml:"symbol" bson:"symbol"`
	CompanyName string  `json:"companyName" yaml:"companyName" bson:"companyName"`
	Logo        string  `json:"logo" yaml:"logo" bson:"logo"`
	PrevClose   float64 `json:"prevClose" yaml:"prevClose" bson:"prevClose"`
	Price       float64 `json:"price" yaml:"price" bson:"price"`
	Category    string  `json:"category" yaml:"category" bson:"category"`
}

// CachedQuote is the authoritative record for one symbol. Instances are
// immutable once published; updates replace the whole value.
type CachedQuote struct {
	Symbol      string    `json:"symbol"`
	CompanyName string    `json:"companyName"`
	Logo        string    `json:"logo"`
	Price       float64   `json:"price"`
	PrevClose   float64   `json:"prevClose"`
	Change      float64   `json:"change"`
	Percent     float64   `json:"percent"`
	Category    string    `json:"category"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CardUpdate is the broadcast payload of the "stock-update" event.
type CardUpdate struct {
	Symbol      string  `json:"symbol"`
	CompanyName string  `json:"companyName"`
	Logo        string  `json:"logo"`
	Price       float64 `json:"price"`
	Change      string  `json:"change"`
	Percent     string  `json:"percent"`
	ChangeRaw   float64 `json:"changeRaw"`
	PercentRaw  float64 `json:"percentRaw"`
	Category    string  `json:"category"`
}

// SingleUpdate is the payload of the "stock-single-update" event.
type SingleUpdate struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// Card renders the quote in its broadcast shape.
func (q CachedQuote) Card() CardUpdate {
	return CardUpdate{
		Symbol:      q.Symbol,
		CompanyName: q.CompanyName,
		Logo:        q.Logo,
		Price:       q.Price,
		Change:      FormatChange(q.Change),
		Percent:     FormatPercent(q.Percent),
		ChangeRaw:   q.Change,
		PercentRaw:  q.Percent,
		Category:    q.Category,
	}
}
