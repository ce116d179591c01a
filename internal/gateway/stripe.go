package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"payledger/internal/config"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeGateway 基于 Stripe SDK 的网关实现
// 同时实现 Client（支付意向/退款）和 Payer（结算打款，走 Transfer）
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

func NewStripeGateway(cfg *config.GatewayConfig) *StripeGateway {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &StripeGateway{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
	}
}

// mapError 把 SDK 错误收敛为 *Error
// Stripe 明确返回的错误带错误码（provider），其余按网络类错误处理（transient）
func mapError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeInvalidRequest:
			if stripeErr.Code != "" {
				return NewProviderError(string(stripeErr.Code), stripeErr.Msg)
			}
			return NewValidationError(stripeErr.Msg)
		case stripe.ErrorTypeCard:
			return NewProviderError(string(stripeErr.Code), stripeErr.Msg)
		default:
			return NewTransientError(stripeErr.Msg)
		}
	}
	return NewTransientError(err.Error())
}

func toIntent(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:             pi.ID,
		ClientSecret:   pi.ClientSecret,
		Status:         string(pi.Status),
		Amount:         pi.Amount,
		AmountReceived: pi.AmountReceived,
		Currency:       string(pi.Currency),
	}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, params *CreateIntentParams) (*Intent, error) {
	piParams := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(params.Amount),
		Currency: stripe.String(params.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	for k, v := range params.Metadata {
		piParams.AddMetadata(k, v)
	}

	// 指定了目标账户时走分账：资金到目标账户，平台收取佣金
	if params.DestinationAccountID != "" {
		piParams.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(params.DestinationAccountID),
		}
		if params.ApplicationFeeAmount > 0 {
			piParams.ApplicationFeeAmount = stripe.Int64(params.ApplicationFeeAmount)
		}
	}

	pi, err := g.api.PaymentIntents.New(piParams)
	if err != nil {
		return nil, mapError(err)
	}
	return toIntent(pi), nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	pi, err := g.api.PaymentIntents.Get(intentID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, mapError(err)
	}
	return toIntent(pi), nil
}

func (g *StripeGateway) ConfirmIntent(ctx context.Context, intentID string) (*Intent, error) {
	pi, err := g.api.PaymentIntents.Confirm(intentID, &stripe.PaymentIntentConfirmParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, mapError(err)
	}
	return toIntent(pi), nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, params *CreateRefundParams) (*Refund, error) {
	refundParams := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(params.IntentID),
	}
	if params.Amount > 0 {
		refundParams.Amount = stripe.Int64(params.Amount)
	}
	refundParams.AddMetadata("refund_request_id", params.RefundRequestID)
	if params.Reason != "" {
		refundParams.AddMetadata("reason", params.Reason)
	}

	refund, err := g.api.Refunds.New(refundParams)
	if err != nil {
		return nil, mapError(err)
	}
	return &Refund{
		ID:     refund.ID,
		Status: string(refund.Status),
		Amount: refund.Amount,
	}, nil
}

// Payout 结算打款（Transfer 到创作者账户）
// amount 是主单位金额，在这里换算回网关要求的最小单位，整个链路只换算一次
func (g *StripeGateway) Payout(ctx context.Context, appID, destinationAccountID string, amount decimal.Decimal, currency string) error {
	if destinationAccountID == "" {
		return NewValidationError("目标账户为空")
	}

	minorUnits := amount.Mul(decimal.NewFromInt(100)).IntPart()
	transferParams := &stripe.TransferParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(minorUnits),
		Currency:    stripe.String(currency),
		Destination: stripe.String(destinationAccountID),
	}
	transferParams.AddMetadata("app_id", appID)

	_, err := g.api.Transfers.New(transferParams)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// ============================================================================
// Webhook 解析
// ============================================================================

// ParseWebhookEvent 校验签名并把网关事件解析为内部结构
// 未关心的事件类型返回 Type 原样，由编排层决定忽略
func (g *StripeGateway) ParseWebhookEvent(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, g.webhookSecret)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("webhook 签名校验失败: %v", err))
	}

	evt := &WebhookEvent{
		ProviderEventID: event.ID,
		Type:            string(event.Type),
	}

	switch evt.Type {
	case EventPaymentIntentSucceeded, EventPaymentIntentFailed, EventPaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, NewValidationError(fmt.Sprintf("解析 payment_intent 失败: %v", err))
		}
		evt.IntentID = pi.ID
		evt.Amount = pi.Amount
		evt.AmountReceived = pi.AmountReceived
		evt.Currency = string(pi.Currency)
	case EventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, NewValidationError(fmt.Sprintf("解析 charge 失败: %v", err))
		}
		if charge.PaymentIntent != nil {
			evt.IntentID = charge.PaymentIntent.ID
		}
		evt.Amount = charge.Amount
		evt.AmountRefunded = charge.AmountRefunded
		evt.Currency = string(charge.Currency)
	}

	return evt, nil
}
