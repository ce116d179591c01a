package job

import (
	"context"
	"log"
	"time"

	"payledger/internal/config"
	"payledger/internal/gateway"
	"payledger/internal/metrics"
	"payledger/internal/model"
	"payledger/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// 结算任务
// ============================================================================
//
// 周期扫描待结算交易，逐笔向创作者账户打款。
//
// 【重要】两类失败的处理完全不同：
//   - 结构性失败（目标账户缺失/非法）：立即标记 SETTLEMENT_FAILED，
//     不进入重试 —— 重试永远不会成功，不浪费重试预算
//   - 瞬时失败（网络/网关抖动）：最多 3 次尝试，退避 1s/2s/4s
//
// 单笔失败不影响批次内其他结算单；停止信号在循环顶部和退避
// 睡眠中都会被响应，关停不会卡在退避里。
// ============================================================================

type SettlementWorker struct {
	db              *gorm.DB
	transactionRepo *repository.TransactionRepository
	payer           gateway.Payer
	cfg             *config.Config
	metrics         *metrics.Metrics
	stopCh          chan struct{}
	interval        time.Duration
	batchSize       int
	maxAttempts     int
	backoff         []time.Duration
}

func NewSettlementWorker(db *gorm.DB, payer gateway.Payer, cfg *config.Config, m *metrics.Metrics) *SettlementWorker {
	batchSize := cfg.Business.SettlementBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxAttempts := cfg.Business.SettlementMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &SettlementWorker{
		db:              db,
		transactionRepo: repository.NewTransactionRepository(db),
		payer:           payer,
		cfg:             cfg,
		metrics:         m,
		stopCh:          make(chan struct{}),
		interval:        cfg.Business.SettlementInterval(),
		batchSize:       batchSize,
		maxAttempts:     maxAttempts,
		backoff:         []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
}

func (w *SettlementWorker) Start(ctx context.Context) {
	log.Printf("[SettlementWorker] 结算任务启动: interval=%v", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[SettlementWorker] 收到停止信号，任务退出")
			return
		case <-w.stopCh:
			log.Println("[SettlementWorker] 任务停止")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx)
		}
	}
}

func (w *SettlementWorker) Stop() {
	close(w.stopCh)
}

// ProcessBatch 处理一轮待结算交易
// 单轮内部的任何异常只记日志和计数，不终止进程
func (w *SettlementWorker) ProcessBatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.metrics.WorkerErrors.WithLabelValues("settlement").Inc()
			log.Printf("[SettlementWorker] 本轮处理异常: %v", r)
		}
	}()

	w.metrics.SettlementRuns.Inc()

	pending, err := w.transactionRepo.ListPendingByType(ctx, model.TransactionTypeSettlement, w.batchSize)
	if err != nil {
		w.metrics.WorkerErrors.WithLabelValues("settlement").Inc()
		log.Printf("[SettlementWorker] 查询待结算交易失败: %v", err)
		return
	}

	w.metrics.SettlementPending.Set(float64(len(pending)))

	if len(pending) == 0 {
		w.metrics.SettlementIdle.Inc()
		return
	}

	log.Printf("[SettlementWorker] 发现 %d 笔待结算交易", len(pending))

	// 批次内串行处理，避免同一账户并发打款
	for _, trans := range pending {
		if w.cancelled(ctx) {
			log.Println("[SettlementWorker] 收到停止信号，中断本批处理")
			return
		}
		w.settleOne(ctx, trans)
	}

	count, err := w.transactionRepo.CountPendingByType(ctx, model.TransactionTypeSettlement)
	if err != nil {
		log.Printf("[SettlementWorker] 重查待结算数失败: %v", err)
		return
	}
	w.metrics.SettlementPending.Set(float64(count))
}

// settleOne 结算单笔交易
func (w *SettlementWorker) settleOne(ctx context.Context, trans *model.Transaction) {
	start := time.Now()
	defer func() {
		w.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}()

	// 目标账户缺失是结构性错误，立即失败，不进重试
	if trans.DestinationAccountID == "" {
		w.metrics.SettlementInvalidDestination.Inc()
		w.markFailed(ctx, trans, "目标账户缺失")
		log.Printf("[SettlementWorker] 结算单目标账户缺失: transactionNo=%s", trans.TransactionNo)
		return
	}

	// 最小单位 -> 主单位，整个链路只在这里换算一次
	amountMajor := decimal.NewFromInt(trans.Amount).Div(decimal.NewFromInt(100))

	for attempt := 0; attempt < w.maxAttempts; attempt++ {
		err := w.payer.Payout(ctx, trans.AppID, trans.DestinationAccountID, amountMajor, trans.Currency)
		if err == nil {
			if updateErr := w.transactionRepo.UpdateStatus(ctx, nil, trans.ID, model.TransactionStatusPending, model.TransactionStatusSettled); updateErr != nil {
				log.Printf("[SettlementWorker] 标记结算完成失败: transactionNo=%s, err=%v", trans.TransactionNo, updateErr)
				return
			}
			log.Printf("[SettlementWorker] 结算成功: transactionNo=%s, amount=%s, attempts=%d",
				trans.TransactionNo, amountMajor.String(), attempt+1)
			return
		}

		// 校验类错误重试不会成功，立即失败并保留剩余重试次数
		if gateway.IsValidation(err) {
			w.metrics.SettlementFailed.Inc()
			w.markFailed(ctx, trans, err.Error())
			log.Printf("[SettlementWorker] 结算校验失败（不重试）: transactionNo=%s, err=%v", trans.TransactionNo, err)
			return
		}

		if attempt+1 < w.maxAttempts {
			delay := w.backoff[attempt]
			log.Printf("[SettlementWorker] 结算失败，%v 后重试: transactionNo=%s, attempt=%d, err=%v",
				delay, trans.TransactionNo, attempt+1, err)
			if !w.sleep(ctx, delay) {
				// 退避中收到停止信号，保留 PENDING 留给下次运行
				return
			}
			continue
		}

		w.metrics.SettlementFailed.Inc()
		w.markFailed(ctx, trans, err.Error())
		log.Printf("[SettlementWorker] 结算重试耗尽: transactionNo=%s, attempts=%d, err=%v",
			trans.TransactionNo, w.maxAttempts, err)
	}
}

func (w *SettlementWorker) markFailed(ctx context.Context, trans *model.Transaction, reason string) {
	err := w.transactionRepo.UpdateStatus(ctx, nil, trans.ID, model.TransactionStatusPending, model.TransactionStatusSettlementFailed)
	if err != nil {
		log.Printf("[SettlementWorker] 标记结算失败状态失败: transactionNo=%s, err=%v", trans.TransactionNo, err)
		return
	}
	log.Printf("[SettlementWorker] 结算单已标记失败: transactionNo=%s, reason=%s", trans.TransactionNo, reason)
}

// sleep 可中断的退避睡眠，返回 false 表示收到停止信号
func (w *SettlementWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (w *SettlementWorker) cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-w.stopCh:
		return true
	default:
		return false
	}
}
