package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wakala/settler/internal/domain"
)

// AdjustmentStrategy selects how a requested amount is corrected before it is
// sent to AfriPay. Chosen once at construction; there is no runtime mode
// switch.
type AdjustmentStrategy int

const (
	// AdjustRaw sends the settled amount untouched.
	AdjustRaw AdjustmentStrategy = iota
	// AdjustVATInclusive grosses the amount up by the configured VAT rate,
	// matching how AfriPay quotes airtime denominations.
	AdjustVATInclusive
)

// afriPayCodes translates vendor response codes into classified messages.
// Code 00 is the only success.
var afriPayCodes = map[string]string{
	"05": "destination not served",
	"14": "invalid destination",
	"51": "insufficient float at vendor",
	"68": "vendor downstream timeout",
	"91": "vendor system unavailable",
}

type AfriPayConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Adjustment AdjustmentStrategy
	VATRate    decimal.Decimal // e.g. 0.16; only used with AdjustVATInclusive
	Countries  []string
	Currencies []string
}

// AfriPay is the reference fulfillment adapter: JSON REST vendor with a
// short-lived session token. All session state lives on the instance.
type AfriPay struct {
	cfg    AfriPayConfig
	client *http.Client
	log    *zap.SugaredLogger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewAfriPay(cfg AfriPayConfig, log *zap.SugaredLogger) *AfriPay {
	return &AfriPay{
		cfg:    cfg,
		client: &http.Client{}, // call deadlines come from the caller's context
		log:    log,
	}
}

func (a *AfriPay) Name() string { return "afripay" }

func (a *AfriPay) Capabilities() Capabilities {
	return Capabilities{
		Categories: []domain.Category{domain.CategoryTopup, domain.CategoryVoucher},
		Countries:  a.cfg.Countries,
		Currencies: a.cfg.Currencies,
	}
}

func (a *AfriPay) Ready() bool {
	return a.cfg.BaseURL != "" && a.cfg.APIKey != "" && a.cfg.APISecret != ""
}

func (a *AfriPay) Topup(ctx context.Context, req TopupRequest) (TopupResult, error) {
	if !a.Ready() {
		return TopupResult{}, fmt.Errorf("afripay adapter called while unconfigured")
	}

	amount := a.adjust(req.Amount)
	payload := map[string]any{
		"reference": req.Reference,
		"msisdn":    req.Destination,
		"amount":    amount.String(),
		"currency":  req.Currency,
		"product":   string(req.Category),
	}

	start := time.Now()
	var body struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		VendorRef string `json:"vendor_ref"`
	}
	status, err := a.post(ctx, "/v1/topups", payload, &body)
	elapsed := time.Since(start)
	if err != nil {
		return TopupResult{ResponseTime: elapsed}, err
	}

	if status != http.StatusOK {
		return TopupResult{
			Message:      fmt.Sprintf("vendor returned http %d", status),
			ResponseTime: elapsed,
		}, nil
	}

	if body.Code == "00" {
		return TopupResult{
			Success:               true,
			ProviderTransactionID: body.VendorRef,
			Message:               body.Message,
			ResponseTime:          elapsed,
		}, nil
	}

	msg, ok := afriPayCodes[body.Code]
	if !ok {
		msg = fmt.Sprintf("vendor declined with code %s", body.Code)
	}
	if body.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, body.Message)
	}
	return TopupResult{Message: msg, ResponseTime: elapsed}, nil
}

func (a *AfriPay) CheckBalance(ctx context.Context) (decimal.Decimal, error) {
	if !a.Ready() {
		return decimal.Zero, fmt.Errorf("afripay adapter called while unconfigured")
	}

	var body struct {
		Balance json.Number `json:"balance"`
	}
	status, err := a.get(ctx, "/v1/balance", &body)
	if err != nil {
		return decimal.Zero, err
	}
	if status != http.StatusOK {
		return decimal.Zero, fmt.Errorf("balance check returned http %d", status)
	}
	bal, err := decimal.NewFromString(body.Balance.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", body.Balance, err)
	}
	return bal, nil
}

func (a *AfriPay) TransactionStatus(ctx context.Context, reference string) (StatusResult, error) {
	if !a.Ready() {
		return StatusResult{}, fmt.Errorf("afripay adapter called while unconfigured")
	}

	var body struct {
		Status    string `json:"status"`
		VendorRef string `json:"vendor_ref"`
		Message   string `json:"message"`
	}
	status, err := a.get(ctx, "/v1/topups/"+reference, &body)
	if err != nil {
		return StatusResult{}, err
	}

	switch {
	case status == http.StatusNotFound:
		// The vendor never recorded the reference, so the attempt cannot
		// have been fulfilled.
		return StatusResult{Status: RemoteFailed, Message: "not found at vendor"}, nil
	case status != http.StatusOK:
		return StatusResult{Status: RemoteUnknown,
			Message: fmt.Sprintf("status lookup returned http %d", status)}, nil
	}

	res := StatusResult{ProviderTransactionID: body.VendorRef, Message: body.Message}
	switch body.Status {
	case "SUCCESS":
		res.Status = RemoteSucceeded
	case "FAILED":
		res.Status = RemoteFailed
	default:
		res.Status = RemoteUnknown
	}
	return res, nil
}

func (a *AfriPay) LookupDestination(ctx context.Context, destination string) (string, error) {
	return "", domain.ErrNotSupported
}

func (a *AfriPay) adjust(amount decimal.Decimal) decimal.Decimal {
	switch a.cfg.Adjustment {
	case AdjustVATInclusive:
		return amount.Mul(decimal.NewFromInt(1).Add(a.cfg.VATRate)).Round(2)
	default:
		return amount
	}
}

// --- session handling ---

// ensureToken returns a valid session token, logging in when none is cached.
// Tokens are refreshed 60s before their reported expiry.
func (a *AfriPay) ensureToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Until(a.tokenExp) > time.Minute {
		return a.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"api_key":    a.cfg.APIKey,
		"api_secret": a.cfg.APISecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+"/v1/auth", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("afripay auth: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("afripay auth returned http %d", resp.StatusCode)
	}

	var body struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}

	a.token = body.Token
	a.tokenExp = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	a.log.Debugw("afripay session refreshed", "expires_in", body.ExpiresIn)
	return a.token, nil
}

func (a *AfriPay) invalidateToken() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

func (a *AfriPay) post(ctx context.Context, path string, payload any, out any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	return a.do(ctx, http.MethodPost, path, data, out)
}

func (a *AfriPay) get(ctx context.Context, path string, out any) (int, error) {
	return a.do(ctx, http.MethodGet, path, nil, out)
}

func (a *AfriPay) do(ctx context.Context, method, path string, data []byte, out any) (int, error) {
	status, err := a.doOnce(ctx, method, path, data, out)
	if err != nil {
		return status, err
	}
	// A 401 means the vendor expired our session early; re-login once.
	if status == http.StatusUnauthorized {
		a.invalidateToken()
		return a.doOnce(ctx, method, path, data, out)
	}
	return status, nil
}

func (a *AfriPay) doOnce(ctx context.Context, method, path string, data []byte, out any) (int, error) {
	token, err := a.ensureToken(ctx)
	if err != nil {
		return 0, err
	}

	var reader *bytes.Reader
	if data != nil {
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("afripay %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		if out != nil && resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
		}
	}
	return resp.StatusCode, nil
}
