package model

import (
	"time"
)

// Wallet 钱包表
// 每个 (user_id, app_id) 对应一个钱包，余额使用最小货币单位
//
// 【重要】余额只能通过仓储层的单条原子 UPDATE 变动：
//   - 同步扣款（Debit）路径带 balance >= amount 条件，余额不允许为负
//   - webhook 驱动的入账/退款不做余额校验（网关是事实来源），
//     退款重复投递等边界情况下余额可能合法地变为负数，需要告警而非拦截
type Wallet struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex:idx_wallet_user_app;not null" json:"user_id"`
	AppID     string    `gorm:"type:varchar(64);uniqueIndex:idx_wallet_user_app;not null" json:"app_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"` // 可用余额（最小货币单位）
	Version   int       `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}

// ============================================================================
// 钱包流水
// ============================================================================

const (
	WalletTxKindCredited = "CREDITED" // 入账（webhook 确认支付成功）
	WalletTxKindDebited  = "DEBITED"  // 同步扣款
	WalletTxKindRefunded = "REFUNDED" // 退款冲正
	WalletTxKindReserved = "RESERVED" // 创建支付意向时的占位记录（不变动余额）
)

// WalletTransaction 钱包流水表
// 只追加，不修改，不删除；记录交易前后余额便于对账
type WalletTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletTxNo    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"wallet_tx_no"` // 流水号（全局唯一）
	WalletID      int64     `gorm:"index;not null" json:"wallet_id"`
	TransactionID int64     `gorm:"index" json:"transaction_id"` // 关联交易（可为 0）
	Amount        int64     `gorm:"not null" json:"amount"`      // 变动金额（正数入账，负数出账，占位记录为 0）
	Kind          string    `gorm:"type:varchar(20);not null" json:"kind"`
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transaction"
}
