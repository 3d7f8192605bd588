package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-realtime/pkg/realtime/conversation"
	"github.com/vango-go/vai-realtime/pkg/realtime/tools"
)

type timeInput struct {
	Timezone string `json:"timezone,omitempty" desc:"IANA timezone such as Europe/Paris; defaults to UTC"`
}

type timeOutput struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
}

type priceInput struct {
	Symbol string `json:"symbol" desc:"Asset ticker" enum:"BTC,ETH,SOL"`
}

type priceOutput struct {
	Symbol   string  `json:"symbol"`
	PriceUSD float64 `json:"price_usd"`
	AsOf     string  `json:"as_of"`
}

type transferInput struct {
	To     string  `json:"to" desc:"Recipient address"`
	Amount float64 `json:"amount" desc:"Amount to send"`
	Asset  string  `json:"asset" desc:"Asset ticker" enum:"BTC,ETH,SOL"`
}

// demoPrices stands in for a market data feed.
var demoPrices = map[string]float64{
	"BTC": 64250.10,
	"ETH": 3120.45,
	"SOL": 142.80,
}

func demoTools(now func() time.Time) *tools.Registry {
	if now == nil {
		now = time.Now
	}
	return tools.MustRegistry(
		tools.MakeTool("get_time", "Get the current time", func(ctx context.Context, in timeInput) (timeOutput, error) {
			zone := strings.TrimSpace(in.Timezone)
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return timeOutput{}, fmt.Errorf("unknown timezone %q", zone)
			}
			return timeOutput{Time: now().In(loc).Format(time.RFC3339), Timezone: zone}, nil
		}),
		tools.MakeTool("get_market_price", "Get the latest USD price for a crypto asset", func(ctx context.Context, in priceInput) (priceOutput, error) {
			price, ok := demoPrices[in.Symbol]
			if !ok {
				return priceOutput{}, fmt.Errorf("no price for %s", in.Symbol)
			}
			return priceOutput{Symbol: in.Symbol, PriceUSD: price, AsOf: now().UTC().Format(time.RFC3339)}, nil
		}),
		transferTool(now),
	)
}

// transferTool simulates a transfer. It emits a pending receipt while the
// call runs and renders the final receipt as the result card.
func transferTool(now func() time.Time) tools.Tool {
	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        "send_transfer",
			Description: "Send a simulated crypto transfer and return its receipt",
			Parameters:  tools.SchemaFor[transferInput](),
		},
		Handler: func(ctx context.Context, call tools.Call) (tools.Result, error) {
			var in transferInput
			if err := json.Unmarshal(call.Args, &in); err != nil {
				return tools.Result{}, fmt.Errorf("decode transfer: %w", err)
			}
			if in.Amount <= 0 {
				return tools.Result{}, fmt.Errorf("amount must be positive")
			}
			sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%f|%d", call.CallID, in.To, in.Amount, now().UnixNano())))
			receipt := conversation.TransactionReceipt{
				Chain:   strings.ToLower(in.Asset),
				TxHash:  "0x" + hex.EncodeToString(sum[:]),
				Status:  "pending",
				Summary: fmt.Sprintf("%g %s to %s", in.Amount, in.Asset, in.To),
			}
			if err := call.Emit(ctx, receipt); err != nil {
				return tools.Result{}, err
			}
			receipt.Status = "confirmed"
			return tools.Result{
				Output: map[string]string{"tx_hash": receipt.TxHash, "status": receipt.Status},
				Card:   receipt,
			}, nil
		},
	}
}
