package pricing_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/velscada/energy-engine/internal/pricing"
)

func TestClient_Calculate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/price/calculate" {
			t.Errorf("path = %s, want /price/calculate", r.URL.Path)
		}
		var req map[string]float64
		json.NewDecoder(r.Body).Decode(&req)
		if req["total_supply_kwh"] != 100 || req["total_demand_kwh"] != 20 {
			t.Errorf("request = %v, want supply 100 / demand 20", req)
		}

		ratio := 5.0
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"base_price":          1444.70,
				"multiplier":          0.9545,
				"final_price":         1378.97,
				"supply_kwh":          100.0,
				"demand_kwh":          20.0,
				"supply_demand_ratio": ratio,
				"market_condition":    "high_supply",
			},
		})
	}))
	defer srv.Close()

	c := pricing.NewClient(srv.URL, 0)
	res, err := c.Calculate(context.Background(), d(100), d(20))
	if err != nil {
		t.Fatalf("calculate failed: %v", err)
	}
	if !res.FinalPrice.Equal(d(1378.97)) {
		t.Errorf("final = %s, want 1378.97", res.FinalPrice)
	}
	if !res.SupplyDemandRatio.Equal(d(5)) {
		t.Errorf("ratio = %s, want 5", res.SupplyDemandRatio)
	}
	if res.MarketCondition != "high_supply" {
		t.Errorf("condition = %s, want high_supply", res.MarketCondition)
	}
}

func TestClient_NullRatio(t *testing.T) {
	// The service sends null for the ratio when demand is zero.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"base_price":1444.7,"multiplier":0.8,"final_price":1155.76,"supply_kwh":50,"demand_kwh":0,"supply_demand_ratio":null,"market_condition":"high_supply"}}`))
	}))
	defer srv.Close()

	res, err := pricing.NewClient(srv.URL, 0).Calculate(context.Background(), d(50), d(0))
	if err != nil {
		t.Fatalf("calculate failed: %v", err)
	}
	if !res.SupplyDemandRatio.IsZero() {
		t.Errorf("ratio = %s, want 0 for null", res.SupplyDemandRatio)
	}
}

func TestClient_Non2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := pricing.NewClient(srv.URL, 0).Calculate(context.Background(), d(1), d(1))
	if !errors.Is(err, pricing.ErrServiceFailure) {
		t.Errorf("err = %v, want ErrServiceFailure", err)
	}
}

func TestClient_SuccessFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	_, err := pricing.NewClient(srv.URL, 0).Calculate(context.Background(), d(1), d(1))
	if !errors.Is(err, pricing.ErrServiceFailure) {
		t.Errorf("err = %v, want ErrServiceFailure", err)
	}
}
