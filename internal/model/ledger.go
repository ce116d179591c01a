package model

import (
	"time"
)

// ============================================================================
// 审计账本
// ============================================================================

const (
	LedgerTypeCredit = "CREDIT" // 支付成功入账
	LedgerTypeRefund = "REFUND" // 退款
	LedgerTypeError  = "ERROR"  // 支付失败/取消
	LedgerTypeSystem = "SYSTEM" // 其他系统性变更
)

// LedgerTypeForStatus 由交易状态推导账本条目类型
func LedgerTypeForStatus(status string) string {
	switch status {
	case TransactionStatusSucceeded:
		return LedgerTypeCredit
	case TransactionStatusRefunded:
		return LedgerTypeRefund
	case TransactionStatusFailed, TransactionStatusCanceled:
		return LedgerTypeError
	default:
		return LedgerTypeSystem
	}
}

// LedgerEntry 审计账本条目
// 每次产生副作用的状态落地写一条；只追加，永不修改
type LedgerEntry struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	LedgerNo        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"ledger_no"`
	UserID          int64     `gorm:"index" json:"user_id"`
	AppID           string    `gorm:"type:varchar(64);index" json:"app_id"`
	WalletID        int64     `gorm:"index" json:"wallet_id"`
	TransactionID   int64     `gorm:"index;not null" json:"transaction_id"`
	GatewayIntentID string    `gorm:"type:varchar(128);index" json:"gateway_intent_id"`
	Type            string    `gorm:"type:varchar(20);not null" json:"type"`
	Source          string    `gorm:"type:varchar(64)" json:"source"` // 写入来源（webhook/confirm/refund）
	Reason          string    `gorm:"type:varchar(256)" json:"reason"`
	Amount          int64     `gorm:"not null" json:"amount"` // 绝对值（最小货币单位）
	Currency        string    `gorm:"type:varchar(8);not null" json:"currency"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}
