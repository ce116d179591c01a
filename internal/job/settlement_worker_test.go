package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"payledger/internal/config"
	"payledger/internal/gateway"
	"payledger/internal/infrastructure/database"
	"payledger/internal/metrics"
	"payledger/internal/model"
	"payledger/pkg/idgen"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

// fakePayer 可编排的打款假实现
// failTimes 次失败后成功；onCall 在每次调用时执行（用于测试中途停止）
type fakePayer struct {
	mu        sync.Mutex
	calls     int
	failTimes int
	err       error
	lastAmt   decimal.Decimal
	lastDest  string
	onCall    func(calls int)
}

func (p *fakePayer) Payout(_ context.Context, _, destinationAccountID string, amount decimal.Decimal, _ string) error {
	p.mu.Lock()
	p.calls++
	calls := p.calls
	p.lastAmt = amount
	p.lastDest = destinationAccountID
	p.mu.Unlock()

	if p.onCall != nil {
		p.onCall(calls)
	}
	if calls <= p.failTimes {
		if p.err != nil {
			return p.err
		}
		return gateway.NewTransientError("网关超时")
	}
	return nil
}

func (p *fakePayer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestWorker(t *testing.T, payer gateway.Payer) (*SettlementWorker, *gorm.DB) {
	db := newTestDB(t)
	cfg := &config.Config{
		Business: config.BusinessConfig{
			SettlementMaxAttempts: 3,
			SettlementBatchSize:   100,
		},
	}
	w := NewSettlementWorker(db, payer, cfg, metrics.New(prometheus.NewRegistry()))
	// 测试缩短退避时间
	w.backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return w, db
}

func createSettlement(t *testing.T, db *gorm.DB, destinationAccountID string, amount int64) *model.Transaction {
	trans := &model.Transaction{
		TransactionNo:        idgen.GenerateTransactionNo(),
		TransactionType:      model.TransactionTypeSettlement,
		Amount:               amount,
		Currency:             "usd",
		AppID:                "app-1",
		Status:               model.TransactionStatusPending,
		DestinationAccountID: destinationAccountID,
	}
	require.NoError(t, db.Create(trans).Error)
	return trans
}

func statusOf(t *testing.T, db *gorm.DB, id int64) string {
	var trans model.Transaction
	require.NoError(t, db.First(&trans, id).Error)
	return trans.Status
}

func TestSettleSuccessFirstAttempt(t *testing.T) {
	payer := &fakePayer{}
	w, db := newTestWorker(t, payer)
	trans := createSettlement(t, db, "acct_1", 12345)

	w.ProcessBatch(context.Background())

	assert.Equal(t, model.TransactionStatusSettled, statusOf(t, db, trans.ID))
	assert.Equal(t, 1, payer.callCount())
	// 最小单位 -> 主单位只换算一次
	assert.True(t, payer.lastAmt.Equal(decimal.NewFromFloat(123.45)),
		"打款金额应为主单位: got %s", payer.lastAmt.String())
	assert.Equal(t, "acct_1", payer.lastDest)
}

func TestSettleRetriesThenSucceeds(t *testing.T) {
	payer := &fakePayer{failTimes: 2}
	w, db := newTestWorker(t, payer)
	trans := createSettlement(t, db, "acct_1", 5000)

	w.ProcessBatch(context.Background())

	assert.Equal(t, model.TransactionStatusSettled, statusOf(t, db, trans.ID))
	assert.Equal(t, 3, payer.callCount())
}

func TestSettleExhaustsRetries(t *testing.T) {
	payer := &fakePayer{failTimes: 10}
	w, db := newTestWorker(t, payer)
	trans := createSettlement(t, db, "acct_1", 5000)

	w.ProcessBatch(context.Background())

	assert.Equal(t, model.TransactionStatusSettlementFailed, statusOf(t, db, trans.ID))
	assert.Equal(t, 3, payer.callCount())
}

func TestSettleValidationErrorFailsImmediately(t *testing.T) {
	payer := &fakePayer{failTimes: 10, err: gateway.NewValidationError("目标账户非法")}
	w, db := newTestWorker(t, payer)
	trans := createSettlement(t, db, "acct_bad", 5000)

	w.ProcessBatch(context.Background())

	// 校验类错误不消耗重试次数
	assert.Equal(t, model.TransactionStatusSettlementFailed, statusOf(t, db, trans.ID))
	assert.Equal(t, 1, payer.callCount())
}

func TestSettleBlankDestinationFailsWithoutPayout(t *testing.T) {
	payer := &fakePayer{}
	w, db := newTestWorker(t, payer)
	trans := createSettlement(t, db, "", 5000)

	w.ProcessBatch(context.Background())

	assert.Equal(t, model.TransactionStatusSettlementFailed, statusOf(t, db, trans.ID))
	assert.Equal(t, 0, payer.callCount())
}

func TestSettleStopDuringBackoffKeepsPending(t *testing.T) {
	payer := &fakePayer{failTimes: 10}
	w, db := newTestWorker(t, payer)
	trans := createSettlement(t, db, "acct_1", 5000)

	// 首次打款失败后立即停止，退避睡眠被打断
	payer.onCall = func(calls int) {
		if calls == 1 {
			w.Stop()
		}
	}
	w.backoff = []time.Duration{time.Hour, time.Hour, time.Hour}

	done := make(chan struct{})
	go func() {
		w.ProcessBatch(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("停止信号未打断退避睡眠")
	}

	// 保留 PENDING，留给下次运行
	assert.Equal(t, model.TransactionStatusPending, statusOf(t, db, trans.ID))
	assert.Equal(t, 1, payer.callCount())
}

func TestBatchContinuesAfterSingleFailure(t *testing.T) {
	payer := &fakePayer{}
	w, db := newTestWorker(t, payer)

	// 第一笔目标账户缺失，第二笔正常
	bad := createSettlement(t, db, "", 1000)
	good := createSettlement(t, db, "acct_1", 2000)

	w.ProcessBatch(context.Background())

	assert.Equal(t, model.TransactionStatusSettlementFailed, statusOf(t, db, bad.ID))
	assert.Equal(t, model.TransactionStatusSettled, statusOf(t, db, good.ID))
}
