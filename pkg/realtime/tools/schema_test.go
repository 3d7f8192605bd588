package tools

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestGenerateSchema_BasicTypes(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "", "string"},
		{"int", 0, "integer"},
		{"uint8", uint8(0), "integer"},
		{"float64", 0.0, "number"},
		{"bool", false, "boolean"},
		{"map", map[string]int{}, "object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := GenerateJSONSchema(reflect.TypeOf(tt.input))
			if schema.Type != tt.expected {
				t.Errorf("GenerateJSONSchema() type = %q, want %q", schema.Type, tt.expected)
			}
		})
	}
}

func TestGenerateSchema_Struct(t *testing.T) {
	type priceQuery struct {
		Symbol   string   `json:"symbol" desc:"Ticker symbol" enum:"BTC, ETH,SOL"`
		Currency *string  `json:"currency"`
		Days     int      `json:"days,omitempty"`
		Venues   []string `json:"venues"`
		Skip     string   `json:"-"`
		private  string
	}

	schema := SchemaFor[priceQuery]()
	if schema.Type != "object" {
		t.Fatalf("Type = %q, want object", schema.Type)
	}
	if len(schema.Properties) != 4 {
		t.Fatalf("len(Properties) = %d, want 4", len(schema.Properties))
	}
	sym := schema.Properties["symbol"]
	if sym.Description != "Ticker symbol" {
		t.Errorf("symbol.Description = %q", sym.Description)
	}
	if !reflect.DeepEqual(sym.Enum, []string{"BTC", "ETH", "SOL"}) {
		t.Errorf("symbol.Enum = %v", sym.Enum)
	}
	if venues := schema.Properties["venues"]; venues.Type != "array" || venues.Items == nil || venues.Items.Type != "string" {
		t.Errorf("venues = %+v", venues)
	}
	if !reflect.DeepEqual(schema.Required, []string{"symbol", "venues"}) {
		t.Errorf("Required = %v, want [symbol venues]", schema.Required)
	}
}

func TestGenerateSchema_Nil(t *testing.T) {
	if got := GenerateJSONSchema(nil); got.Type != "object" {
		t.Fatalf("Type = %q, want object", got.Type)
	}
}

func TestGenerateSchema_EmbeddedTimeAndRaw(t *testing.T) {
	type audit struct {
		RequestedBy string `json:"requested_by,omitempty" desc:"Who asked"`
	}
	type transfer struct {
		audit
		To      string          `json:"to"`
		At      time.Time       `json:"at"`
		Memo    json.RawMessage `json:"memo,omitempty"`
		Payload []byte          `json:"payload,omitempty"`
	}

	schema := SchemaFor[transfer]()
	if _, ok := schema.Properties["requested_by"]; !ok {
		t.Fatalf("embedded field not flattened: %+v", schema.Properties)
	}
	if at := schema.Properties["at"]; at.Type != "string" || at.Format != "date-time" {
		t.Fatalf("at = %+v", at)
	}
	if memo := schema.Properties["memo"]; memo.Type != "" {
		t.Fatalf("memo = %+v, want unconstrained", memo)
	}
	if payload := schema.Properties["payload"]; payload.Type != "string" || payload.Format != "byte" {
		t.Fatalf("payload = %+v", payload)
	}
	if !reflect.DeepEqual(schema.Required, []string{"to", "at"}) {
		t.Fatalf("Required = %v, want [to at]", schema.Required)
	}
}

type routeNode struct {
	Hop  string     `json:"hop"`
	Next *routeNode `json:"next"`
}

func TestGenerateSchema_RecursiveType(t *testing.T) {
	schema := SchemaFor[routeNode]()
	next := schema.Properties["next"]
	if next.Type != "object" || len(next.Properties) != 0 {
		t.Fatalf("next = %+v, want bare object", next)
	}
	if !reflect.DeepEqual(schema.Required, []string{"hop"}) {
		t.Fatalf("Required = %v", schema.Required)
	}
}
