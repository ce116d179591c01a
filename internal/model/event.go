package model

import (
	"fmt"
	"time"
)

// ============================================================================
// 经济事件
// ============================================================================
//
// 【为什么需要幂等写入？】
//
// 网关 webhook 是 at-least-once 投递，同一个 provider event 可能被推送多次。
// 经济事件以 "gateway:<provider_event_id>" 作为唯一键，重复投递时插入被
// 唯一索引吸收，下游计费永远只看到一条有效事件。
// ============================================================================

const (
	EconomicEventRevenueInvoicePaid  = "RevenueInvoicePaid"
	EconomicEventRevenueRefundIssued = "RevenueRefundIssued"
)

const (
	ActorTypeSystem = "system"
	ActorTypeUser   = "user"
)

// GatewayEventID 由网关事件ID生成全局确定的经济事件ID
func GatewayEventID(providerEventID string) string {
	return fmt.Sprintf("gateway:%s", providerEventID)
}

// EconomicEvent 经济事件表（下游计费的事件日志）
// event_id 唯一索引即幂等键；只追加
type EconomicEvent struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID       string    `gorm:"type:varchar(160);uniqueIndex;not null" json:"event_id"` // 幂等键
	EventType     string    `gorm:"type:varchar(64);index;not null" json:"event_type"`
	OccurredAt    time.Time `gorm:"not null" json:"occurred_at"`
	Producer      string    `gorm:"type:varchar(64)" json:"producer"`
	Service       string    `gorm:"type:varchar(64)" json:"service"`
	AppID         string    `gorm:"type:varchar(64);index" json:"app_id"`
	RequestID     string    `gorm:"type:varchar(64)" json:"request_id"`
	ActorType     string    `gorm:"type:varchar(16)" json:"actor_type"`
	ActorID       string    `gorm:"type:varchar(64)" json:"actor_id"`
	UserID        int64     `gorm:"index" json:"user_id"`
	TransactionID int64     `gorm:"index" json:"transaction_id"`
	Payload       string    `gorm:"type:text" json:"payload"` // JSON
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (EconomicEvent) TableName() string {
	return "economic_event"
}
