package model

import (
	"time"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypePayment                = "PAYMENT"                  // 普通支付
	TransactionTypeRefund                 = "REFUND"                   // 退款
	TransactionTypeSettlement             = "SETTLEMENT"               // 创作者结算（由后台任务打款）
	TransactionTypeAppOneTimePayment      = "APP_ONE_TIME_PAYMENT"     // 应用内一次性付费
	TransactionTypePlatformOneTimePayment = "PLATFORM_ONE_TIME_PAYMENT" // 平台一次性付费
	TransactionTypePayout                 = "PAYOUT"                   // 提现
)

// IsOneTimeRevenueType 判断交易类型是否属于一次性营收类型
// 只有这类交易在收到网关 webhook 时才会产生经济事件
func IsOneTimeRevenueType(transactionType string) bool {
	return transactionType == TransactionTypeAppOneTimePayment ||
		transactionType == TransactionTypePlatformOneTimePayment
}

// ============================================================================
// 交易状态机
// ============================================================================

const (
	TransactionStatusPending          = "PENDING"
	TransactionStatusSucceeded        = "SUCCEEDED"
	TransactionStatusFailed           = "FAILED"
	TransactionStatusCanceled         = "CANCELED"
	TransactionStatusRefunded         = "REFUNDED"
	TransactionStatusSettled          = "SETTLED"           // 结算完成（仅结算任务写入）
	TransactionStatusSettlementFailed = "SETTLEMENT_FAILED" // 结算失败（仅结算任务写入）
)

// ValidStatusTransitions 合法的状态流转
// PENDING 由创建支付意向时写入；终态一经写入不再变更
var ValidStatusTransitions = map[string][]string{
	TransactionStatusPending: {
		TransactionStatusSucceeded,
		TransactionStatusFailed,
		TransactionStatusCanceled,
		TransactionStatusRefunded,
		TransactionStatusSettled,
		TransactionStatusSettlementFailed,
	},
	TransactionStatusSucceeded: {TransactionStatusRefunded},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsPendingLike 结算任务扫描时使用：尚未进入终态的结算单
func IsPendingLike(status string) bool {
	return status == TransactionStatusPending
}

// ============================================================================
// 交易实体
// ============================================================================

// Transaction 交易表
// 本地交易记录是支付网关状态、钱包余额之外的第三份事实来源
//
// 【重要】设计原则：
// 1. 金额一律使用最小货币单位（分），禁止浮点 —— 避免精度问题
// 2. gateway_intent_id 未设置时为 NULL（结算单没有支付意向），
//    一经写入全局唯一 —— webhook 按它反查本地交易
// 3. 终态交易不物理删除 —— 保留审计
type Transaction struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`        // 交易号（全局唯一）
	TransactionType      string    `gorm:"type:varchar(32);index;not null" json:"transaction_type"`            // 交易类型
	Amount               int64     `gorm:"not null" json:"amount"`                                             // 金额（最小货币单位）
	Currency             string    `gorm:"type:varchar(8);not null;default:usd" json:"currency"`               // 币种
	GatewayIntentID      *string   `gorm:"type:varchar(128);uniqueIndex" json:"gateway_intent_id"`             // 网关支付意向ID（无意向时为 NULL）
	WalletID             int64     `gorm:"index" json:"wallet_id"`                                             // 关联钱包（0 表示无钱包）
	AppID                string    `gorm:"type:varchar(64);index" json:"app_id"`                               // 所属应用
	Status               string    `gorm:"type:varchar(32);index;not null" json:"status"`                      // 状态
	PayerUserID          int64     `gorm:"index" json:"payer_user_id"`                                         // 付款用户
	DestinationAccountID string    `gorm:"type:varchar(128)" json:"destination_account_id"`                    // 结算目标账户（结算单必填）
	RoundID              string    `gorm:"type:varchar(64)" json:"round_id"`                                   // 轮次/订阅ID
	InvestorShares       int64     `json:"investor_shares"`                                                    // 份额数
	CreatedAt            time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transaction"
}
