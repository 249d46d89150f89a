// Package market wraps the two public market-data endpoints scripts
// can reach: TON wallet balances and spot prices. Input validation
// happens before any network call so a script gets an actionable error
// instead of a wasted round trip.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/tlsutil"
)

// Config configures the market client.
type Config struct {
	TonAPIBase   string        `json:"ton_api_base" yaml:"ton_api_base"`     // TON HTTP API base URL
	PriceAPIBase string        `json:"price_api_base" yaml:"price_api_base"` // price API base URL
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`               // per-request timeout
	RetryCount   int           `json:"retry_count" yaml:"retry_count"`       // retries on failure
	RetryDelay   time.Duration `json:"retry_delay" yaml:"retry_delay"`       // delay between retries
}

// DefaultConfig returns sane defaults for the public endpoints.
func DefaultConfig() Config {
	return Config{
		TonAPIBase:   "https://toncenter.com/api/v2",
		PriceAPIBase: "https://api.coingecko.com/api/v3",
		Timeout:      15 * time.Second,
		RetryCount:   2,
		RetryDelay:   500 * time.Millisecond,
	}
}

// TON addresses come in two shapes: raw "workchain:hex" and the
// user-friendly base64url form.
var (
	rawAddressRe      = regexp.MustCompile(`^-?\d+:[0-9a-fA-F]{64}$`)
	friendlyAddressRe = regexp.MustCompile(`^[UEk0][Qq][A-Za-z0-9_-]{46}$`)
)

// priceIDs maps script-facing symbols to price API identifiers.
var priceIDs = map[string]string{
	"TON":  "the-open-network",
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"USDT": "tether",
	"SOL":  "solana",
	"NOT":  "notcoin",
	"DOGE": "dogecoin",
}

// Client queries the market endpoints with retries.
type Client struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// New creates a market client.
func New(config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		config: config,
		client: tlsutil.SecureHTTPClient(config.Timeout),
		logger: logger,
	}
}

// ValidAddress reports whether address is a well-formed TON address.
func ValidAddress(address string) bool {
	return rawAddressRe.MatchString(address) || friendlyAddressRe.MatchString(address)
}

// GetTonBalance returns the balance of a TON wallet in whole TON.
// Malformed addresses are rejected before any network call.
func (c *Client) GetTonBalance(ctx context.Context, address string) (float64, error) {
	if !ValidAddress(address) {
		return 0, fmt.Errorf("invalid TON address %q: expected raw form (workchain:64 hex chars) or friendly form (48 base64url chars)", address)
	}

	requestURL := fmt.Sprintf("%s/getAddressBalance?address=%s", c.config.TonAPIBase, url.QueryEscape(address))

	body, err := c.getWithRetry(ctx, requestURL, "TON API")
	if err != nil {
		return 0, err
	}

	var payload struct {
		OK     bool   `json:"ok"`
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("TON API returned malformed JSON: %w", err)
	}
	if !payload.OK {
		return 0, fmt.Errorf("TON API rejected the request: %s", payload.Error)
	}

	nano, err := strconv.ParseFloat(payload.Result, 64)
	if err != nil {
		return 0, fmt.Errorf("TON API returned a non-numeric balance %q", payload.Result)
	}

	return nano / 1e9, nil
}

// GetPrice returns the USD spot price for a supported symbol.
// Unknown symbols are rejected before any network call.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	id, ok := priceIDs[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return 0, fmt.Errorf("unknown symbol %q: supported symbols are %s", symbol, supportedSymbols())
	}

	requestURL := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.config.PriceAPIBase, url.QueryEscape(id))

	body, err := c.getWithRetry(ctx, requestURL, "price API")
	if err != nil {
		return 0, err
	}

	var payload map[string]map[string]float64
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("price API returned malformed JSON: %w", err)
	}

	price, ok := payload[id]["usd"]
	if !ok {
		return 0, fmt.Errorf("price API returned no USD quote for %s", symbol)
	}
	return price, nil
}

// getWithRetry performs a GET with the configured retry policy.
func (c *Client) getWithRetry(ctx context.Context, requestURL, apiName string) ([]byte, error) {
	var body []byte
	var err error
	for attempt := 0; attempt <= c.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
			c.logger.Debug("retrying market request",
				zap.String("api", apiName),
				zap.Int("attempt", attempt))
		}

		body, err = c.doRequest(ctx, requestURL, apiName)
		if err == nil {
			return body, nil
		}
		c.logger.Warn("market request failed",
			zap.String("api", apiName),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, fmt.Errorf("%s query failed after %d retries: %w", apiName, c.config.RetryCount, err)
}

// doRequest executes one HTTP GET, mapping statuses to actionable errors.
func (c *Client) doRequest(ctx context.Context, requestURL, apiName string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s rate limited the request (HTTP 429), slow down or retry later", apiName)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s is unavailable (HTTP %d)", apiName, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%s returned HTTP %d", apiName, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

func supportedSymbols() string {
	names := make([]string, 0, len(priceIDs))
	for name := range priceIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
