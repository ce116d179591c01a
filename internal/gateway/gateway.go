package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 支付网关边界
// ============================================================================
//
// 网关以接口形式注入，业务代码不直接依赖具体 SDK。
// 所有网关调用的失败都收敛为带类别的 *Error，上层用类别决定
// 是返回给调用方（provider/validation）还是重试（transient）。
// ============================================================================

// 错误类别
const (
	ErrKindProvider   = "provider"   // 网关明确拒绝（携带网关错误码）
	ErrKindValidation = "validation" // 结构性错误，重试永远不会成功
	ErrKindTransient  = "transient"  // 网络/超时类错误，可重试
)

// Error 网关调用的统一错误
type Error struct {
	Kind string // provider / validation / transient
	Code string // 网关错误码（provider 类才有）
	Msg  string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s error [%s]: %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("gateway %s error: %s", e.Kind, e.Msg)
}

// Reason 作为对外 error_reason 暴露的字符串
func (e *Error) Reason() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Kind
}

func NewProviderError(code, msg string) *Error {
	return &Error{Kind: ErrKindProvider, Code: code, Msg: msg}
}

func NewValidationError(msg string) *Error {
	return &Error{Kind: ErrKindValidation, Msg: msg}
}

func NewTransientError(msg string) *Error {
	return &Error{Kind: ErrKindTransient, Msg: msg}
}

// IsValidation 判断是否为结构性错误（结算打款遇到时立即失败，不消耗重试次数）
func IsValidation(err error) bool {
	ge, ok := err.(*Error)
	return ok && ge.Kind == ErrKindValidation
}

// ============================================================================
// 支付意向
// ============================================================================

// 网关侧意向状态
const (
	IntentStatusRequiresConfirmation  = "requires_confirmation"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusProcessing            = "processing"
	IntentStatusSucceeded             = "succeeded"
	IntentStatusCanceled              = "canceled"
)

// Intent 网关支付意向快照
type Intent struct {
	ID             string
	ClientSecret   string
	Status         string
	Amount         int64 // 最小货币单位
	AmountReceived int64
	Currency       string
}

// CreateIntentParams 创建支付意向参数
type CreateIntentParams struct {
	Amount               int64 // 最小货币单位
	Currency             string
	Metadata             map[string]string // user_id/app_id/round_id/investment_id/correlation_id
	DestinationAccountID string            // 分账目标账户（可选）
	ApplicationFeeAmount int64             // 平台抽佣（最小货币单位，可选）
}

// 退款状态
const (
	RefundStatusSucceeded = "succeeded"
	RefundStatusPending   = "pending"
	RefundStatusFailed    = "failed"
)

// Refund 网关退款结果
type Refund struct {
	ID     string
	Status string
	Amount int64
}

// CreateRefundParams 发起退款参数
type CreateRefundParams struct {
	IntentID        string
	Amount          int64  // 0 表示全额退款
	RefundRequestID string // 本地关联ID，写入网关元数据
	Reason          string
}

// Client 支付网关客户端
type Client interface {
	CreateIntent(ctx context.Context, params *CreateIntentParams) (*Intent, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	ConfirmIntent(ctx context.Context, intentID string) (*Intent, error)
	CreateRefund(ctx context.Context, params *CreateRefundParams) (*Refund, error)
}

// Payer 打款原语（结算任务使用）
// 金额在调用边界由最小单位换算为主单位，且只换算一次
type Payer interface {
	Payout(ctx context.Context, appID, destinationAccountID string, amount decimal.Decimal, currency string) error
}

// ============================================================================
// Webhook 事件
// ============================================================================

const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
	EventPaymentIntentCanceled  = "payment_intent.canceled"
	EventChargeRefunded         = "charge.refunded"
)

// WebhookEvent 网关推送的事件（已解析为内部结构）
// ProviderEventID 是下游经济事件的幂等键来源
type WebhookEvent struct {
	ProviderEventID string
	Type            string
	IntentID        string
	Amount          int64 // 意向总额
	AmountReceived  int64 // 实收金额（payment_intent.succeeded）
	AmountRefunded  int64 // 已退金额（charge.refunded）
	Currency        string
}
