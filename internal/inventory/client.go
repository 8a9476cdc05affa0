// Package inventory предоставляет клиент для внешнего складского сервиса.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotConfigured возвращается клиентом без адреса складского сервиса.
var ErrNotConfigured = errors.New("inventory client not configured")

const maxAttempts = 3

// Client инкапсулирует HTTP-взаимодействие со складским сервисом.
// Резерв и возврат товара идемпотентны на стороне склада, поэтому запросы можно повторять.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient создаёт HTTP-клиент для обращения к складскому сервису по указанному адресу.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Reserve списывает товар заказа со склада.
func (c *Client) Reserve(ctx context.Context, orderID uuid.UUID) error {
	return c.call(ctx, orderID, "reserve")
}

// Release возвращает товар заказа на склад.
func (c *Client) Release(ctx context.Context, orderID uuid.UUID) error {
	return c.call(ctx, orderID, "release")
}

func (c *Client) call(ctx context.Context, orderID uuid.UUID, action string) error {
	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}

	url := fmt.Sprintf("%s/api/inventory/orders/%s/%s", c.baseURL, orderID, action)

	for attempt := 1; ; attempt++ {
		retryAfter, err := c.do(ctx, url)
		if err == nil {
			return nil
		}
		if retryAfter == 0 || attempt == maxAttempts {
			return fmt.Errorf("inventory %s for order %s: %w", action, orderID, err)
		}

		c.logger.Warn("inventory service throttled request",
			zap.String("action", action),
			zap.String("order_id", orderID.String()),
			zap.Duration("retry_after", retryAfter),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

// do выполняет один запрос. Ненулевая пауза означает, что склад просит повторить позже.
func (c *Client) do(ctx context.Context, url string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil && seconds > 0 {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return retryAfter, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusAccepted:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}

// Noop подтверждает любые операции склада. Используется, когда адрес склада не задан.
type Noop struct{}

// Reserve ничего не делает.
func (Noop) Reserve(context.Context, uuid.UUID) error { return nil }

// Release ничего не делает.
func (Noop) Release(context.Context, uuid.UUID) error { return nil }
