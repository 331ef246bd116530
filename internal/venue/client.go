// client.go implements the REST half of the execution port: order
// placement, cancellation, and the typed error mapping of §7. Every
// mutating request is rate-limited, retried on 5xx, and HMAC-signed.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"perp-mm/pkg/types"
)

// Client is the REST execution-port adapter.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient builds a REST execution-port client.
func NewClient(baseURL, apiKey, apiSecret string, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   NewAuth(apiKey, apiSecret),
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger,
	}
}

type orderRequest struct {
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	Type          string `json:"type"`
}

type orderResponse struct {
	ClientOrderID   string `json:"clientOrderId"`
	ExchangeOrderID string `json:"exchangeOrderId"`
	Status          string `json:"status"`
}

// PlaceOrder submits a single order. The client-supplied id is always
// sent; the venue is expected to echo it back on every subsequent event
// so the OrderTracker never needs the fallback key for our own orders.
func (c *Client) PlaceOrder(ctx context.Context, clientOrderID string, side types.Side, price, size string, orderType types.OrderType) (types.OrderAck, error) {
	if c.dryRun {
		c.logger.Info("dry-run place order", "clientOrderId", clientOrderID, "side", side, "price", price, "size", size)
		return types.OrderAck{ClientOrderID: clientOrderID, Status: types.OrderStatusOpen, Timestamp: time.Now()}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderAck{}, &types.VenueError{Kind: types.ErrorKindRateLimit, Err: err}
	}

	req := orderRequest{
		ClientOrderID: clientOrderID,
		Side:          string(side),
		Price:         price,
		Size:          size,
		Type:          string(orderType),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.Headers(http.MethodPost, "/orders", string(body))
	if err != nil {
		return types.OrderAck{}, &types.VenueError{Kind: types.ErrorKindAuth, Err: err}
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(req).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return types.OrderAck{}, &types.VenueError{Kind: types.ErrorKindNetwork, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderAck{}, mapHTTPError(resp.StatusCode(), resp.String())
	}

	return types.OrderAck{
		ClientOrderID:   result.ClientOrderID,
		ExchangeOrderID: result.ExchangeOrderID,
		Status:          types.OrderStatus(result.Status),
		Timestamp:       time.Now(),
	}, nil
}

// CancelOrder cancels a single order by client order id when we have one,
// falling back to the exchange order id for orders placed outside this
// process. At least one id is required.
func (c *Client) CancelOrder(ctx context.Context, clientOrderID, exchangeOrderID string) error {
	if clientOrderID == "" && exchangeOrderID == "" {
		return &types.VenueError{Kind: types.ErrorKindInvalidOrder, Err: fmt.Errorf("cancel requires a client or exchange order id")}
	}
	if c.dryRun {
		c.logger.Info("dry-run cancel order", "clientOrderId", clientOrderID, "exchangeOrderId", exchangeOrderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return &types.VenueError{Kind: types.ErrorKindRateLimit, Err: err}
	}

	path := "/orders/" + clientOrderID
	if clientOrderID == "" {
		path = "/orders/by-exchange-id/" + exchangeOrderID
	}
	headers, err := c.auth.Headers(http.MethodDelete, path, "")
	if err != nil {
		return &types.VenueError{Kind: types.ErrorKindAuth, Err: err}
	}

	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).Delete(path)
	if err != nil {
		return &types.VenueError{Kind: types.ErrorKindNetwork, Err: err}
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNotFound {
		return mapHTTPError(resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAll cancels every open order on this symbol.
func (c *Client) CancelAll(ctx context.Context) error {
	if c.dryRun {
		c.logger.Info("dry-run cancel all")
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return &types.VenueError{Kind: types.ErrorKindRateLimit, Err: err}
	}

	headers, err := c.auth.Headers(http.MethodDelete, "/cancel-all", "")
	if err != nil {
		return &types.VenueError{Kind: types.ErrorKindAuth, Err: err}
	}

	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).Delete("/cancel-all")
	if err != nil {
		return &types.VenueError{Kind: types.ErrorKindNetwork, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return mapHTTPError(resp.StatusCode(), resp.String())
	}
	c.logger.Warn("all orders cancelled")
	return nil
}

type openOrderResponse struct {
	ClientOrderID   string    `json:"clientOrderId"`
	ExchangeOrderID string    `json:"exchangeOrderId"`
	Side            string    `json:"side"`
	Price           string    `json:"price"`
	Size            string    `json:"size"`
	FilledSize      string    `json:"filledSize"`
	CreatedAt       time.Time `json:"createdAt"`
}

// GetOpenOrders fetches the venue's own view of resting orders on this
// symbol, the source of truth for the periodic reconciliation pass (§4.8).
func (c *Client) GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	if c.dryRun {
		return nil, nil
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, &types.VenueError{Kind: types.ErrorKindRateLimit, Err: err}
	}

	headers, err := c.auth.Headers(http.MethodGet, "/orders/open", "")
	if err != nil {
		return nil, &types.VenueError{Kind: types.ErrorKindAuth, Err: err}
	}

	var result []openOrderResponse
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&result).Get("/orders/open")
	if err != nil {
		return nil, &types.VenueError{Kind: types.ErrorKindNetwork, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode(), resp.String())
	}

	out := make([]types.OpenOrder, 0, len(result))
	for _, r := range result {
		out = append(out, types.OpenOrder{
			ClientOrderID:   r.ClientOrderID,
			ExchangeOrderID: r.ExchangeOrderID,
			Side:            types.Side(r.Side),
			Price:           r.Price,
			Size:            r.Size,
			FilledSize:      r.FilledSize,
			CreatedAt:       r.CreatedAt,
		})
	}
	return out, nil
}

type positionResponse struct {
	Size          string    `json:"size"`
	AvgEntryPrice string    `json:"avgEntryPrice"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// GetPosition fetches the venue's own view of the current position on
// this symbol. A nil result with a nil error means the venue reports no
// open position.
func (c *Client) GetPosition(ctx context.Context) (*types.VenuePosition, error) {
	if c.dryRun {
		return nil, nil
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, &types.VenueError{Kind: types.ErrorKindRateLimit, Err: err}
	}

	headers, err := c.auth.Headers(http.MethodGet, "/position", "")
	if err != nil {
		return nil, &types.VenueError{Kind: types.ErrorKindAuth, Err: err}
	}

	var result positionResponse
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&result).Get("/position")
	if err != nil {
		return nil, &types.VenueError{Kind: types.ErrorKindNetwork, Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode(), resp.String())
	}
	if result.Size == "" {
		return nil, nil
	}

	return &types.VenuePosition{
		Size:          result.Size,
		AvgEntryPrice: result.AvgEntryPrice,
		UpdatedAt:     result.UpdatedAt,
	}, nil
}

// mapHTTPError classifies an HTTP failure into the §7 error taxonomy.
func mapHTTPError(status int, body string) error {
	switch status {
	case http.StatusTooManyRequests:
		return &types.VenueError{Kind: types.ErrorKindRateLimit, Code: fmt.Sprintf("%d", status), Err: fmt.Errorf("%s", body)}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &types.VenueError{Kind: types.ErrorKindAuth, Code: fmt.Sprintf("%d", status), Err: fmt.Errorf("%s", body)}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &types.VenueError{Kind: types.ErrorKindInvalidOrder, Code: fmt.Sprintf("%d", status), Err: fmt.Errorf("%s", body)}
	case http.StatusPaymentRequired:
		return &types.VenueError{Kind: types.ErrorKindInsufficientBalance, Code: fmt.Sprintf("%d", status), Err: fmt.Errorf("%s", body)}
	case http.StatusConflict:
		return &types.VenueError{Kind: types.ErrorKindPostOnlyRejected, Code: fmt.Sprintf("%d", status), Err: fmt.Errorf("%s", body)}
	default:
		if status >= 500 {
			return &types.VenueError{Kind: types.ErrorKindExchangeError, Code: fmt.Sprintf("%d", status), Err: fmt.Errorf("%s", body)}
		}
		return &types.VenueError{Kind: types.ErrorKindUnknown, Code: fmt.Sprintf("%d", status), Err: fmt.Errorf("%s", body)}
	}
}
