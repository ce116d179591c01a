package repository

import (
	"context"
	"errors"

	"payledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound      = errors.New("钱包不存在")
	ErrInsufficientBalance = errors.New("余额不足")
	ErrOptimisticLock      = errors.New("乐观锁冲突，请重试")
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

// GetByID 查询钱包
// 事务内读取必须传入 tx：测试环境单连接下用根句柄会等在连接池上
func (r *WalletRepository) GetByID(ctx context.Context, tx *gorm.DB, walletID int64) (*model.Wallet, error) {
	if tx == nil {
		tx = r.db
	}
	var wallet model.Wallet
	err := tx.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

func (r *WalletRepository) GetByUserAndApp(ctx context.Context, userID int64, appID string) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.db.WithContext(ctx).Where("user_id = ? AND app_id = ?", userID, appID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetOrCreate 首次请求时创建钱包
// ON CONFLICT DO NOTHING 吸收并发创建，再查一次拿到最终行
func (r *WalletRepository) GetOrCreate(ctx context.Context, userID int64, appID string) (*model.Wallet, error) {
	wallet, err := r.GetByUserAndApp(ctx, userID, appID)
	if err == nil {
		return wallet, nil
	}

	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	newWallet := &model.Wallet{
		UserID:  userID,
		AppID:   appID,
		Balance: 0,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "app_id"}},
			DoNothing: true,
		}).
		Create(newWallet).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserAndApp(ctx, userID, appID)
}

// Adjust 按差值调整余额（webhook 入账/退款路径）
//
// 【重要】不校验余额下限：网关是事实来源，重复退款等边界情况下
// 余额可以合法地变为负数，由调用方记录对账告警
func (r *WalletRepository) Adjust(ctx context.Context, tx *gorm.DB, walletID int64, delta int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ?", walletID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", delta),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}

	return nil
}

// Debit 同步扣款（客户端发起的消费路径）
// WHERE 同时带余额和版本号条件，RowsAffected == 0 时回查区分失败原因
func (r *WalletRepository) Debit(ctx context.Context, tx *gorm.DB, walletID int64, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND balance >= ? AND version = ?", walletID, amount, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// 回查必须走同一个 tx，区分余额不足和版本冲突
		wallet, err := r.GetByID(ctx, tx, walletID)
		if err != nil {
			return err
		}
		if wallet.Balance < amount {
			return ErrInsufficientBalance
		}
		return ErrOptimisticLock
	}

	return nil
}

// AppendTransaction 追加钱包流水（只追加，不修改）
func (r *WalletRepository) AppendTransaction(ctx context.Context, tx *gorm.DB, walletTx *model.WalletTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(walletTx).Error
}

func (r *WalletRepository) ListTransactions(ctx context.Context, walletID int64, page, pageSize int) ([]*model.WalletTransaction, int64, error) {
	var transactions []*model.WalletTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.WalletTransaction{}).Where("wallet_id = ?", walletID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}
