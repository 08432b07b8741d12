package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides a thin wrapper around the lendingd JSON API. Amounts and
// fixed-point values travel as decimal strings and are returned unchanged.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	token   string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken attaches a bearer token to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// New initialises a client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", parsed.Scheme)
	}
	c := &Client{baseURL: parsed, http: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a structured failure returned by the service.
type APIError struct {
	Status    int    `json:"-"`
	Code      string `json:"code"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("lendingd %d %s (%s): %s", e.Status, e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("lendingd %d %s: %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type Pauses struct {
	Mint     bool `json:"mint"`
	Borrow   bool `json:"borrow"`
	Redeem   bool `json:"redeem"`
	Transfer bool `json:"transfer"`
	Seize    bool `json:"seize"`
}

type Collateral struct {
	CollRatio        string `json:"collRatio"`
	CollReqSoft      string `json:"collReqSoft"`
	CollReqHard      string `json:"collReqHard"`
	LiqBaseIncentive string `json:"liqBaseIncentive"`
	LiqCurve         string `json:"liqCurve"`
	LiqFee           string `json:"liqFee"`
	BaseCFactor      string `json:"baseCFactor"`
	CFactorCurve     string `json:"cFactorCurve"`
}

type Market struct {
	ID              string     `json:"id"`
	Decimals        uint8      `json:"decimals"`
	Cash            string     `json:"cash"`
	TotalBorrows    string     `json:"totalBorrows"`
	TotalReserves   string     `json:"totalReserves"`
	TotalShares     string     `json:"totalShares"`
	TotalCollateral string     `json:"totalCollateral"`
	DebtIndex       string     `json:"debtIndex"`
	ExchangeRate    string     `json:"exchangeRate"`
	LastAccrual     uint64     `json:"lastAccrual"`
	Borrowable      bool       `json:"borrowable"`
	Collateral      Collateral `json:"collateral"`
	CollateralCap   string     `json:"collateralCap"`
	ReserveFactor   string     `json:"reserveFactor"`
	Pauses          Pauses     `json:"pauses"`
}

type Rates struct {
	Market             string `json:"market"`
	Utilization        string `json:"utilization"`
	BorrowRate         string `json:"borrowRatePerPeriod"`
	SupplyRate         string `json:"supplyRatePerPeriod"`
	Multiplier         string `json:"multiplier"`
	LastUpdate         uint64 `json:"lastUpdate"`
	ThresholdCrossedAt uint64 `json:"thresholdCrossedAt,omitempty"`
	PeriodSeconds      uint64 `json:"periodSeconds"`
}

type Position struct {
	Market     string `json:"market"`
	Shares     string `json:"shares"`
	Posted     string `json:"posted"`
	Underlying string `json:"underlying"`
	Debt       string `json:"debt"`
}

type Account struct {
	Address   string            `json:"address"`
	Positions []Position        `json:"positions"`
	Wallet    map[string]string `json:"wallet"`
}

type Liquidity struct {
	CollateralValue string `json:"collateralValue"`
	DebtValue       string `json:"debtValue"`
	Excess          string `json:"excess"`
	Shortfall       string `json:"shortfall"`
	SoftRequirement string `json:"softRequirement"`
	HardRequirement string `json:"hardRequirement"`
	LFactor         string `json:"lFactor"`
}

// Liquidation is the sizing of a previewed or executed liquidation.
type Liquidation struct {
	DebtMarket       string            `json:"debtMarket"`
	CollateralMarket string            `json:"collateralMarket"`
	DebtToClose      string            `json:"debtToClose"`
	MaxDebtToClose   string            `json:"maxDebtToClose"`
	SharesSeized     string            `json:"sharesSeized"`
	LiquidatorShares string            `json:"liquidatorShares"`
	ProtocolShares   string            `json:"protocolShares"`
	LFactor          string            `json:"lFactor"`
	CFactor          string            `json:"cFactor"`
	Incentive        string            `json:"incentive"`
	BadDebt          bool              `json:"badDebt"`
	WrittenOff       map[string]string `json:"writtenOff,omitempty"`
	SwapOutput       string            `json:"swapOutput,omitempty"`
}

// LiquidationRequest selects the liquidation flavour: Amount closes an exact
// amount, MinOut swaps the reward into the debt asset, neither closes the
// maximum. Liquidator is only read by previews.
type LiquidationRequest struct {
	Liquidator       string `json:"liquidator,omitempty"`
	Borrower         string `json:"borrower"`
	DebtMarket       string `json:"debtMarket"`
	CollateralMarket string `json:"collateralMarket"`
	Amount           string `json:"amount,omitempty"`
	MinOut           string `json:"minOut,omitempty"`
}

// Markets lists every listed market.
func (c *Client) Markets(ctx context.Context) ([]Market, error) {
	var out struct {
		Markets []Market `json:"markets"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/markets", nil, &out); err != nil {
		return nil, err
	}
	return out.Markets, nil
}

func (c *Client) Market(ctx context.Context, id string) (*Market, error) {
	var out Market
	if err := c.do(ctx, http.MethodGet, "/v1/markets/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Rates(ctx context.Context, id string) (*Rates, error) {
	var out Rates
	if err := c.do(ctx, http.MethodGet, "/v1/markets/"+url.PathEscape(id)+"/rates", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Account(ctx context.Context, addr string) (*Account, error) {
	var out Account
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(addr), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Liquidity(ctx context.Context, addr string) (*Liquidity, error) {
	var out Liquidity
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(addr)+"/liquidity", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PreviewLiquidation sizes a liquidation without executing it.
func (c *Client) PreviewLiquidation(ctx context.Context, req LiquidationRequest) (*Liquidation, error) {
	var out Liquidation
	if err := c.do(ctx, http.MethodPost, "/v1/liquidations/preview", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Liquidate executes a liquidation as the token's principal.
func (c *Client) Liquidate(ctx context.Context, req LiquidationRequest) (*Liquidation, error) {
	req.Liquidator = ""
	var out Liquidation
	if err := c.do(ctx, http.MethodPost, "/v1/liquidate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Mint supplies amount and returns the shares minted.
func (c *Client) Mint(ctx context.Context, market, amount string) (string, error) {
	return c.field(ctx, "/v1/mint", map[string]string{"market": market, "amount": amount}, "shares")
}

// Redeem burns shares and returns the underlying paid out.
func (c *Client) Redeem(ctx context.Context, market, shares string) (string, error) {
	return c.field(ctx, "/v1/redeem", map[string]string{"market": market, "shares": shares}, "amount")
}

// RedeemUnderlying withdraws an exact amount and returns the shares burned.
func (c *Client) RedeemUnderlying(ctx context.Context, market, amount string) (string, error) {
	return c.field(ctx, "/v1/redeem", map[string]string{"market": market, "amount": amount}, "shares")
}

func (c *Client) Borrow(ctx context.Context, market, amount string) (string, error) {
	return c.field(ctx, "/v1/borrow", map[string]string{"market": market, "amount": amount}, "amount")
}

// Repay returns the amount actually repaid, which is capped at the debt.
// An empty borrower repays the caller's own debt.
func (c *Client) Repay(ctx context.Context, market, amount, borrower string) (string, error) {
	body := map[string]string{"market": market, "amount": amount}
	if borrower != "" {
		body["borrower"] = borrower
	}
	return c.field(ctx, "/v1/repay", body, "repaid")
}

func (c *Client) Transfer(ctx context.Context, market, to, shares string) error {
	_, err := c.field(ctx, "/v1/transfer", map[string]string{"market": market, "to": to, "shares": shares}, "shares")
	return err
}

func (c *Client) PostCollateral(ctx context.Context, market, shares string) error {
	_, err := c.field(ctx, "/v1/collateral/post", map[string]string{"market": market, "shares": shares}, "shares")
	return err
}

func (c *Client) RemoveCollateral(ctx context.Context, market, shares string) error {
	_, err := c.field(ctx, "/v1/collateral/remove", map[string]string{"market": market, "shares": shares}, "shares")
	return err
}

// SetMarketPauses replaces the pause flags of market.
func (c *Client) SetMarketPauses(ctx context.Context, market string, pauses Pauses) error {
	body := struct {
		Market string `json:"market"`
		Pauses Pauses `json:"pauses"`
	}{Market: market, Pauses: pauses}
	return c.do(ctx, http.MethodPost, "/v1/admin/pauses", body, nil)
}

// SetModulePaused halts or resumes every mutating operation.
func (c *Client) SetModulePaused(ctx context.Context, paused bool) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/module", map[string]bool{"paused": paused}, nil)
}

// PushPrice publishes a USD quote such as "2000.5" for asset.
func (c *Client) PushPrice(ctx context.Context, asset, usd string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/prices", map[string]string{"asset": asset, "usd": usd}, nil)
}

// Deposit is the outcome of an admin credit.
type Deposit struct {
	Reference string `json:"reference"`
	Asset     string `json:"asset"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Credited  bool   `json:"credited"`
}

// Deposit credits underlying to account. Replaying a reference credits
// nothing and returns Credited=false.
func (c *Client) Deposit(ctx context.Context, reference, account, asset, amount string) (*Deposit, error) {
	body := map[string]string{"reference": reference, "account": account, "asset": asset, "amount": amount}
	var out Deposit
	if err := c.do(ctx, http.MethodPost, "/v1/admin/deposits", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) field(ctx context.Context, path string, body interface{}, key string) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", err
	}
	return out[key], nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	endpoint := c.baseURL.String() + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		envelope.Error = apiErr
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&envelope); err != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}
