package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ErrServiceFailure is returned for non-2xx responses and success=false
// bodies. Callers treat it as recoverable: the previous price stays active.
var ErrServiceFailure = errors.New("pricing: service returned failure")

// Client calls the external price-calculation service. The wire contract
// uses floats; conversion to decimal happens at this boundary and nowhere
// else.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a pricing client. A zero timeout defaults to 10s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type calculateRequest struct {
	TotalSupplyKwh float64 `json:"total_supply_kwh"`
	TotalDemandKwh float64 `json:"total_demand_kwh"`
}

type calculateResponse struct {
	Success bool `json:"success"`
	Data    struct {
		BasePrice         float64  `json:"base_price"`
		Multiplier        float64  `json:"multiplier"`
		FinalPrice        float64  `json:"final_price"`
		SupplyKwh         float64  `json:"supply_kwh"`
		DemandKwh         float64  `json:"demand_kwh"`
		SupplyDemandRatio *float64 `json:"supply_demand_ratio"`
		MarketCondition   string   `json:"market_condition"`
	} `json:"data"`
}

// Calculate posts the aggregates to the service and decodes the result.
func (c *Client) Calculate(ctx context.Context, supplyKwh, demandKwh decimal.Decimal) (*Result, error) {
	body, err := json.Marshal(calculateRequest{
		TotalSupplyKwh: supplyKwh.InexactFloat64(),
		TotalDemandKwh: demandKwh.InexactFloat64(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/price/calculate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricing: call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrServiceFailure, resp.StatusCode)
	}

	var out calculateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pricing: decode response: %w", err)
	}
	if !out.Success {
		return nil, ErrServiceFailure
	}

	ratio := decimal.Zero
	if out.Data.SupplyDemandRatio != nil {
		ratio = decimal.NewFromFloat(*out.Data.SupplyDemandRatio)
	}

	return &Result{
		BasePrice:         decimal.NewFromFloat(out.Data.BasePrice),
		Multiplier:        decimal.NewFromFloat(out.Data.Multiplier),
		FinalPrice:        decimal.NewFromFloat(out.Data.FinalPrice),
		SupplyKwh:         decimal.NewFromFloat(out.Data.SupplyKwh),
		DemandKwh:         decimal.NewFromFloat(out.Data.DemandKwh),
		SupplyDemandRatio: ratio,
		MarketCondition:   out.Data.MarketCondition,
	}, nil
}
