// Package gateway выполняет обмен с внешним платёжным провайдером.
//
// Локальное состояние попытки оплаты хранит пакет payment, здесь только сетевой протокол.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmaledger/internal/money"
)

var (
	// ErrMissingAccessToken возвращается, если токен Mercado Pago не задан вне режима песочницы.
	ErrMissingAccessToken = errors.New("missing mercado pago access token")
	// ErrNotConfigured возвращается при вызове ненастроенного шлюза.
	ErrNotConfigured = errors.New("payment gateway not configured")
)

// Статусы платежа у провайдера, которые важны сервису.
const (
	StatusApproved = "approved"
	StatusPending  = "pending"
	StatusRejected = "rejected"
)

// Request описывает платёж, который нужно создать у провайдера.
type Request struct {
	SessionID       uuid.UUID
	OrderID         uuid.UUID
	OrderNumber     string
	Amount          money.Money
	PayerEmail      string
	NotificationURL string
}

// Response содержит ответ провайдера на создание платежа.
type Response struct {
	ProviderPaymentID string
	Status            string
	Raw               json.RawMessage
}

// MercadoPago создаёт платежи через SDK Mercado Pago.
// В режиме песочницы SDK не вызывается, ответ собирается локально.
type MercadoPago struct {
	client  payment.Client
	sandbox bool
	logger  *zap.Logger
}

// NewMercadoPago создаёт шлюз. Без токена работает только режим песочницы.
func NewMercadoPago(accessToken string, sandbox bool, logger *zap.Logger) (*MercadoPago, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if sandbox {
		logger.Info("payment gateway sandbox mode enabled")
		return &MercadoPago{sandbox: true, logger: logger}, nil
	}

	if accessToken == "" {
		return nil, ErrMissingAccessToken
	}

	cfg, err := config.New(accessToken)
	if err != nil {
		return nil, fmt.Errorf("create mercado pago config: %w", err)
	}

	return &MercadoPago{client: payment.NewClient(cfg), logger: logger}, nil
}

// Sandbox сообщает, работает ли шлюз в режиме песочницы.
func (g *MercadoPago) Sandbox() bool {
	return g != nil && g.sandbox
}

// CreatePayment создаёт платёж у провайдера. ExternalReference платежа равен идентификатору
// сессии, по нему провайдер присылает ответ.
func (g *MercadoPago) CreatePayment(ctx context.Context, req Request) (Response, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return Response{}, err
	}

	if g != nil && g.sandbox {
		return g.sandboxPayment(payload)
	}

	if g == nil || g.client == nil {
		return Response{}, ErrNotConfigured
	}

	var mpReq payment.Request
	if err := json.Unmarshal(payload, &mpReq); err != nil {
		return Response{}, fmt.Errorf("build payment request: %w", err)
	}

	resp, err := g.client.Create(ctx, mpReq)
	if err != nil {
		g.logger.Error("mercado pago create payment failed",
			zap.String("session_id", req.SessionID.String()),
			zap.Error(err),
		)
		return Response{}, fmt.Errorf("create payment: %w", err)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payment response: %w", err)
	}

	g.logger.Info("mercado pago payment created",
		zap.String("session_id", req.SessionID.String()),
		zap.Int("provider_payment_id", resp.ID),
		zap.String("provider_status", resp.Status),
	)

	return Response{
		ProviderPaymentID: strconv.Itoa(resp.ID),
		Status:            resp.Status,
		Raw:               raw,
	}, nil
}

func (g *MercadoPago) sandboxPayment(payload json.RawMessage) (Response, error) {
	resp := map[string]any{}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("decode sandbox payload: %w", err)
	}

	id := strconv.FormatInt(time.Now().UTC().UnixNano(), 10)
	resp["id"] = id
	resp["status"] = StatusPending
	resp["date_created"] = time.Now().UTC().Format(time.RFC3339Nano)

	raw, err := json.Marshal(resp)
	if err != nil {
		return Response{}, fmt.Errorf("marshal sandbox response: %w", err)
	}

	g.logger.Debug("sandbox payment created", zap.String("provider_payment_id", id))
	return Response{ProviderPaymentID: id, Status: StatusPending, Raw: raw}, nil
}

func buildPayload(req Request) (json.RawMessage, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("payment amount must be positive, got %s", req.Amount)
	}

	payload := map[string]any{
		"transaction_amount": req.Amount.Decimal().InexactFloat64(),
		"description":        "Order " + req.OrderNumber,
		"external_reference": req.SessionID.String(),
		"metadata": map[string]any{
			"order_id":   req.OrderID.String(),
			"session_id": req.SessionID.String(),
			"currency":   string(req.Amount.Currency()),
		},
	}
	if req.PayerEmail != "" {
		payload["payer"] = map[string]any{"email": req.PayerEmail}
	}
	if req.NotificationURL != "" {
		payload["notification_url"] = req.NotificationURL
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payment payload: %w", err)
	}
	return b, nil
}
