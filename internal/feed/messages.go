package feed

import (
	"encoding/json"
	"time"

	"github.com/mintwatch/mintwatch/internal/token"
)

// wireMessage is the superset of fields the upstream feed puts on a frame.
// Frames are discriminated by txType.
type wireMessage struct {
	TxType  string `json:"txType"`
	Message string `json:"message,omitempty"`

	Mint   string `json:"mint"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	URI    string `json:"uri"`

	Price           float64 `json:"price"`
	Volume24h       float64 `json:"volume24h"`
	MarketCap       float64 `json:"marketCap"`
	Liquidity       float64 `json:"liquidity"`
	PriceChange24h  float64 `json:"priceChange24h"`
	VolumeChange24h float64 `json:"volumeChange24h"`
	Holders         int64   `json:"holders"`

	Amount    float64 `json:"amount"`
	Wallet    string  `json:"wallet"`
	Signature string  `json:"signature"`

	Timestamp int64 `json:"timestamp"` // unix millis; zero means "now"
}

// subscribeRequest is the outbound subscription control frame.
type subscribeRequest struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys,omitempty"`
}

const (
	methodSubscribeNewTokens = "subscribeNewToken"
	methodSubscribeTokens    = "subscribeTokenTrade"
	methodUnsubscribeTokens  = "unsubscribeTokenTrade"
)

// parseFrame converts one upstream frame into the event union. Unknown
// transaction types yield EventUnknown; malformed JSON is an error.
func parseFrame(data []byte) (token.Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return token.Event{Kind: token.EventUnknown}, err
	}

	ts := time.Now()
	if msg.Timestamp > 0 {
		ts = time.UnixMilli(msg.Timestamp)
	}

	switch msg.TxType {
	case "create", "update":
		return token.NewTokenOf(&token.NewTokenEvent{
			Mint:            msg.Mint,
			Symbol:          msg.Symbol,
			Name:            msg.Name,
			Price:           msg.Price,
			Volume24h:       msg.Volume24h,
			MarketCap:       msg.MarketCap,
			Liquidity:       msg.Liquidity,
			PriceChange24h:  msg.PriceChange24h,
			VolumeChange24h: msg.VolumeChange24h,
			Holders:         msg.Holders,
			URI:             msg.URI,
			Timestamp:       ts,
		}), nil
	case "buy", "sell":
		side := token.SideBuy
		if msg.TxType == "sell" {
			side = token.SideSell
		}
		return token.TradeOf(&token.TradeEvent{
			Mint:      msg.Mint,
			Side:      side,
			Amount:    msg.Amount,
			Price:     msg.Price,
			Wallet:    msg.Wallet,
			Signature: msg.Signature,
			Timestamp: ts,
		}), nil
	case "":
		if msg.Message != "" {
			return token.Event{Kind: token.EventSubscriptionAck, Received: time.Now()}, nil
		}
		return token.Event{Kind: token.EventUnknown, Received: time.Now()}, nil
	default:
		return token.Event{Kind: token.EventUnknown, Received: time.Now()}, nil
	}
}
