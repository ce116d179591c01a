package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"payledger/internal/config"
	"payledger/internal/infrastructure/lock"
	"payledger/internal/metrics"
	"payledger/internal/model"
	"payledger/internal/repository"
	"payledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ============================================================================
// 钱包扣款
// ============================================================================
//
// 与 webhook 驱动的入账/冲正是两条完全独立的写路径：
// 这里是客户端同步发起的消费，必须校验余额不为负；
// webhook 冲正是网关事实的回放，不做余额校验。
// ============================================================================

const (
	DebitReasonWalletNotFound      = "WalletNotFound"
	DebitReasonInsufficientBalance = "InsufficientBalance"
)

type WalletService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	metrics     *metrics.Metrics
	walletRepo  *repository.WalletRepository
	outboxRepo  *repository.OutboxRepository
}

func NewWalletService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, m *metrics.Metrics) *WalletService {
	return &WalletService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		metrics:     m,
		walletRepo:  repository.NewWalletRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

type DebitRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	WalletID int64  `json:"wallet_id" binding:"required"`
	Amount   int64  `json:"amount" binding:"required,gt=0"` // 最小货币单位
	IntentID string `json:"intent_id"`                      // 可选，扣款与某笔支付意向关联时填写
}

type DebitResult struct {
	Success     bool   `json:"success"`
	WalletID    int64  `json:"wallet_id,omitempty"`
	Balance     int64  `json:"balance,omitempty"`
	ErrorReason string `json:"error_reason,omitempty"`
}

// Debit 同步扣款
// 余额校验 -> 分布式锁 -> 条件 UPDATE（balance >= amount）+ 流水，单事务落地
func (s *WalletService) Debit(ctx context.Context, req *DebitRequest) *DebitResult {
	start := time.Now()
	defer func() {
		s.metrics.DebitDuration.Observe(time.Since(start).Seconds())
	}()
	s.metrics.DebitRequested.Inc()

	wallet, err := s.walletRepo.GetByID(ctx, nil, req.WalletID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			s.metrics.DebitFailed.WithLabelValues(DebitReasonWalletNotFound).Inc()
			return &DebitResult{Success: false, ErrorReason: DebitReasonWalletNotFound}
		}
		return &DebitResult{Success: false, ErrorReason: ErrorReasonUnexpected}
	}

	// 钱包不属于请求用户时按不存在处理，不泄漏他人钱包信息
	if wallet.UserID != req.UserID {
		s.metrics.DebitFailed.WithLabelValues(DebitReasonWalletNotFound).Inc()
		return &DebitResult{Success: false, ErrorReason: DebitReasonWalletNotFound}
	}

	if wallet.Balance < req.Amount {
		s.metrics.DebitFailed.WithLabelValues(DebitReasonInsufficientBalance).Inc()
		return &DebitResult{Success: false, ErrorReason: DebitReasonInsufficientBalance}
	}

	// 同一钱包串行扣款；测试环境不注入 Redis 时跳过加锁，
	// 条件 UPDATE 仍然保证不会扣成负数
	if s.redisClient != nil {
		walletLock := lock.NewWalletLock(s.redisClient, req.WalletID, fmt.Sprintf("debit:%d:%d", req.UserID, time.Now().UnixNano()))
		if err := walletLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			log.Printf("[WalletService] 获取钱包锁失败: walletID=%d, err=%v", req.WalletID, err)
			return &DebitResult{Success: false, ErrorReason: ErrorReasonUnexpected}
		}
		defer walletLock.Unlock(ctx)

		// 拿到锁后重读余额
		wallet, err = s.walletRepo.GetByID(ctx, nil, req.WalletID)
		if err != nil {
			return &DebitResult{Success: false, ErrorReason: ErrorReasonUnexpected}
		}
		if wallet.Balance < req.Amount {
			s.metrics.DebitFailed.WithLabelValues(DebitReasonInsufficientBalance).Inc()
			return &DebitResult{Success: false, ErrorReason: DebitReasonInsufficientBalance}
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.walletRepo.Debit(ctx, tx, wallet.ID, req.Amount, wallet.Version); err != nil {
			return err
		}

		walletTx := &model.WalletTransaction{
			WalletTxNo:    idgen.GenerateWalletTxNo(),
			WalletID:      wallet.ID,
			Amount:        -req.Amount,
			Kind:          model.WalletTxKindDebited,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance - req.Amount,
			Remark:        fmt.Sprintf("扣款-%s", req.IntentID),
		}
		if err := s.walletRepo.AppendTransaction(ctx, tx, walletTx); err != nil {
			return fmt.Errorf("记录钱包流水失败: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			s.metrics.DebitFailed.WithLabelValues(DebitReasonInsufficientBalance).Inc()
			return &DebitResult{Success: false, ErrorReason: DebitReasonInsufficientBalance}
		}
		s.metrics.DebitFailed.WithLabelValues(ErrorReasonUnexpected).Inc()
		log.Printf("[WalletService] 扣款失败: walletID=%d, amount=%d, err=%v", req.WalletID, req.Amount, err)
		return &DebitResult{Success: false, ErrorReason: ErrorReasonUnexpected}
	}

	s.metrics.DebitSucceeded.Inc()
	s.emitDebitAnalytics(ctx, wallet.ID, req)

	log.Printf("[WalletService] 扣款成功: walletID=%d, amount=%d, balance=%d",
		wallet.ID, req.Amount, wallet.Balance-req.Amount)

	return &DebitResult{
		Success:  true,
		WalletID: wallet.ID,
		Balance:  wallet.Balance - req.Amount,
	}
}

func (s *WalletService) GetOrCreateWallet(ctx context.Context, userID int64, appID string) (*model.Wallet, error) {
	return s.walletRepo.GetOrCreate(ctx, userID, appID)
}

func (s *WalletService) GetWallet(ctx context.Context, walletID int64) (*model.Wallet, error) {
	return s.walletRepo.GetByID(ctx, nil, walletID)
}

func (s *WalletService) ListTransactions(ctx context.Context, walletID int64, page, pageSize int) ([]*model.WalletTransaction, int64, error) {
	return s.walletRepo.ListTransactions(ctx, walletID, page, pageSize)
}

// emitDebitAnalytics 扣款埋点，尽力而为
func (s *WalletService) emitDebitAnalytics(ctx context.Context, walletID int64, req *DebitRequest) {
	payload, _ := json.Marshal(map[string]interface{}{
		"event":     "wallet.debited",
		"wallet_id": walletID,
		"user_id":   req.UserID,
		"amount":    req.Amount,
		"intent_id": req.IntentID,
	})

	msg := &model.OutboxMessage{
		MessageKey: fmt.Sprintf("wallet:%d", walletID),
		Topic:      s.cfg.Kafka.Topic.Analytics,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, msg); err != nil {
		log.Printf("[WalletService] 埋点写入失败（已忽略）: walletID=%d, err=%v", walletID, err)
	}
}
