package repository

import (
	"context"
	"errors"

	"payledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventRepository 经济事件仓储
type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// AppendIdempotent 幂等追加经济事件
// event_id 唯一索引 + ON CONFLICT DO NOTHING：重复投递返回 (false, nil)，
// 首次写入返回 (true, nil)。调用方据此决定是否向下游发件箱投递
func (r *EventRepository) AppendIdempotent(ctx context.Context, tx *gorm.DB, event *model.EconomicEvent) (bool, error) {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *EventRepository) GetByEventID(ctx context.Context, eventID string) (*model.EconomicEvent, error) {
	var event model.EconomicEvent
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *EventRepository) CountByEventID(ctx context.Context, eventID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.EconomicEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	return count, err
}

func (r *EventRepository) ListByTransactionID(ctx context.Context, transactionID int64) ([]*model.EconomicEvent, error) {
	var events []*model.EconomicEvent
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}
