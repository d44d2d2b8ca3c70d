package token

import "time"

// EventKind discriminates the closed set of events the feed can deliver
// into the core.
type EventKind string

const (
	EventNewToken        EventKind = "new_token"
	EventTrade           EventKind = "trade"
	EventSubscriptionAck EventKind = "subscription_ack"
	EventUnknown         EventKind = "unknown"
)

// Event is the tagged union handed from the feed client to the processor.
// Exactly one of the payload pointers is set, matching Kind.
type Event struct {
	Kind     EventKind `json:"kind"`
	NewToken *NewTokenEvent
	Trade    *TradeEvent
	Received time.Time `json:"received"`
}

// NewTokenEvent announces a token creation or a state update for a mint.
// The feed does not distinguish creations from updates; the tracker treats
// a mint it has never seen as a creation.
type NewTokenEvent struct {
	Mint            string    `json:"mint"`
	Symbol          string    `json:"symbol"`
	Name            string    `json:"name"`
	Price           float64   `json:"price"`
	Volume24h       float64   `json:"volume_24h"`
	MarketCap       float64   `json:"market_cap"`
	Liquidity       float64   `json:"liquidity"`
	PriceChange24h  float64   `json:"price_change_24h"`
	VolumeChange24h float64   `json:"volume_change_24h"`
	Holders         int64     `json:"holders"`
	URI             string    `json:"uri,omitempty"`
	Socials         *Socials  `json:"socials,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// TradeEvent is a single swap reported by the feed.
type TradeEvent struct {
	Mint      string    `json:"mint"`
	Side      TradeSide `json:"side"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Wallet    string    `json:"wallet"`
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTokenOf wraps a NewTokenEvent into the tagged union.
func NewTokenOf(e *NewTokenEvent) Event {
	return Event{Kind: EventNewToken, NewToken: e, Received: time.Now()}
}

// TradeOf wraps a TradeEvent into the tagged union.
func TradeOf(e *TradeEvent) Event {
	return Event{Kind: EventTrade, Trade: e, Received: time.Now()}
}
