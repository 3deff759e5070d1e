package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// HTTPRateSource fetches rates from an fx service exposing
// GET /rate?base=XXX&quote=YYY -> {"pair":"XXX/YYY","rate":1.23,"ts":...}.
type HTTPRateSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRateSource(baseURL string) *HTTPRateSource {
	return &HTTPRateSource{
		baseURL: baseURL,
		// Per-call deadlines come from the converter's fetch timeout.
		client: &http.Client{},
	}
}

func (s *HTTPRateSource) Fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/rate?base=%s&quote=%s",
		s.baseURL, url.QueryEscape(from), url.QueryEscape(to))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate upstream returned %d", resp.StatusCode)
	}

	var body struct {
		Rate json.Number `json:"rate"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate: %w", err)
	}

	rate, err := decimal.NewFromString(body.Rate.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate %q: %w", body.Rate, err)
	}
	if rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive rate %s", rate)
	}
	return rate, nil
}
