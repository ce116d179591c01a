package service_test

import (
	"context"
	"testing"

	"payledger/internal/config"
	"payledger/internal/gateway"
	"payledger/internal/infrastructure/database"
	"payledger/internal/metrics"
	"payledger/internal/model"
	"payledger/internal/repository"
	"payledger/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ============================================================
// 测试环境
// ============================================================

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

func newTestConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				EconomicEvents: "billing.economic-events",
				Analytics:      "billing.analytics",
			},
		},
	}
}

// fakeGateway 可编排的网关假实现
type fakeGateway struct {
	intents      map[string]*gateway.Intent
	createErr    error
	confirmErr   error
	refund       *gateway.Refund
	refundErr    error
	confirmCalls int
	nextIntentID string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		intents:      make(map[string]*gateway.Intent),
		nextIntentID: "pi_test_1",
	}
}

func (f *fakeGateway) CreateIntent(_ context.Context, params *gateway.CreateIntentParams) (*gateway.Intent, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	intent := &gateway.Intent{
		ID:           f.nextIntentID,
		ClientSecret: f.nextIntentID + "_secret",
		Status:       gateway.IntentStatusRequiresPaymentMethod,
		Amount:       params.Amount,
		Currency:     params.Currency,
	}
	f.intents[intent.ID] = intent
	return intent, nil
}

func (f *fakeGateway) GetIntent(_ context.Context, intentID string) (*gateway.Intent, error) {
	intent, ok := f.intents[intentID]
	if !ok {
		return nil, gateway.NewProviderError("resource_missing", "no such payment_intent")
	}
	return intent, nil
}

func (f *fakeGateway) ConfirmIntent(_ context.Context, intentID string) (*gateway.Intent, error) {
	f.confirmCalls++
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	intent := f.intents[intentID]
	intent.Status = gateway.IntentStatusSucceeded
	intent.AmountReceived = intent.Amount
	return intent, nil
}

func (f *fakeGateway) CreateRefund(_ context.Context, params *gateway.CreateRefundParams) (*gateway.Refund, error) {
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	if f.refund != nil {
		return f.refund, nil
	}
	amount := params.Amount
	if amount == 0 {
		if intent, ok := f.intents[params.IntentID]; ok {
			amount = intent.Amount
		}
	}
	return &gateway.Refund{ID: "re_test_1", Status: gateway.RefundStatusSucceeded, Amount: amount}, nil
}

type testEnv struct {
	db      *gorm.DB
	gw      *fakeGateway
	svc     *service.PaymentService
	wallets *repository.WalletRepository
	trans   *repository.TransactionRepository
	ledger  *repository.LedgerRepository
	events  *repository.EventRepository
}

func newTestEnv(t *testing.T) *testEnv {
	db := newTestDB(t)
	gw := newFakeGateway()
	m := metrics.New(prometheus.NewRegistry())
	svc := service.NewPaymentService(db, gw, newTestConfig(), m)
	return &testEnv{
		db:      db,
		gw:      gw,
		svc:     svc,
		wallets: repository.NewWalletRepository(db),
		trans:   repository.NewTransactionRepository(db),
		ledger:  repository.NewLedgerRepository(db),
		events:  repository.NewEventRepository(db),
	}
}

// ============================================================
// 创建 / 查询
// ============================================================

func TestCreateIntentThenGetStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result := env.svc.CreateIntent(ctx, &service.CreateIntentRequest{
		UserID: 100,
		AppID:  "app-1",
		Amount: 5000,
	})
	require.True(t, result.Success)
	require.NotEmpty(t, result.IntentID)
	assert.NotEmpty(t, result.ClientSecret)

	// 创建后立即查询：本地 PENDING + 网关侧实际状态
	status := env.svc.GetPaymentStatus(ctx, result.IntentID)
	require.True(t, status.Success)
	assert.Equal(t, model.TransactionStatusPending, status.LocalStatus)
	assert.Equal(t, gateway.IntentStatusRequiresPaymentMethod, status.ProviderStatus)
	assert.Equal(t, int64(5000), status.Amount)
}

func TestCreateIntentProviderError(t *testing.T) {
	env := newTestEnv(t)
	env.gw.createErr = gateway.NewProviderError("card_declined", "the card was declined")

	result := env.svc.CreateIntent(context.Background(), &service.CreateIntentRequest{
		UserID: 100,
		AppID:  "app-1",
		Amount: 5000,
	})
	assert.False(t, result.Success)
	assert.Equal(t, "card_declined", result.ErrorReason)

	// 网关失败时不落本地交易
	var count int64
	env.db.Model(&model.Transaction{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestCreateIntentWithWalletAppendsReservedRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wallet, err := env.wallets.GetOrCreate(ctx, 100, "app-1")
	require.NoError(t, err)

	result := env.svc.CreateIntent(ctx, &service.CreateIntentRequest{
		UserID:   100,
		AppID:    "app-1",
		Amount:   5000,
		WalletID: wallet.ID,
	})
	require.True(t, result.Success)

	// 占位流水已写入，余额不变
	records, _, err := env.wallets.ListTransactions(ctx, wallet.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.WalletTxKindReserved, records[0].Kind)
	assert.Equal(t, int64(0), records[0].Amount)

	wallet, err = env.wallets.GetByID(ctx, nil, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), wallet.Balance)
}

// ============================================================
// Webhook 场景
// ============================================================

// createPaidIntent 造一笔带钱包的一次性营收交易
func createPaidIntent(t *testing.T, env *testEnv, amount int64) (string, int64) {
	ctx := context.Background()
	wallet, err := env.wallets.GetOrCreate(ctx, 100, "app-1")
	require.NoError(t, err)

	result := env.svc.CreateIntent(ctx, &service.CreateIntentRequest{
		UserID:          100,
		AppID:           "app-1",
		Amount:          amount,
		WalletID:        wallet.ID,
		TransactionType: model.TransactionTypeAppOneTimePayment,
	})
	require.True(t, result.Success)
	return result.IntentID, wallet.ID
}

func TestWebhookSucceededCreditsWallet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intentID, walletID := createPaidIntent(t, env, 5000)

	err := env.svc.HandleWebhookEvent(ctx, &gateway.WebhookEvent{
		ProviderEventID: "evt_1",
		Type:            gateway.EventPaymentIntentSucceeded,
		IntentID:        intentID,
		Amount:          5000,
		AmountReceived:  5000,
	})
	require.NoError(t, err)

	trans, err := env.trans.GetByGatewayIntentID(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusSucceeded, trans.Status)

	wallet, err := env.wallets.GetByID(ctx, nil, walletID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), wallet.Balance)

	entries, err := env.ledger.ListByTransactionID(ctx, trans.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.LedgerTypeCredit, entries[0].Type)
	assert.Equal(t, int64(5000), entries[0].Amount)

	events, err := env.events.ListByTransactionID(ctx, trans.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EconomicEventRevenueInvoicePaid, events[0].EventType)
}

func TestWebhookDuplicateDeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intentID, walletID := createPaidIntent(t, env, 5000)

	evt := &gateway.WebhookEvent{
		ProviderEventID: "evt_dup",
		Type:            gateway.EventPaymentIntentSucceeded,
		IntentID:        intentID,
		AmountReceived:  5000,
	}
	require.NoError(t, env.svc.HandleWebhookEvent(ctx, evt))
	require.NoError(t, env.svc.HandleWebhookEvent(ctx, evt))
	require.NoError(t, env.svc.HandleWebhookEvent(ctx, evt))

	// 余额只入账一次
	wallet, err := env.wallets.GetByID(ctx, nil, walletID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), wallet.Balance)

	// 经济事件只有一条
	count, err := env.events.CountByEventID(ctx, model.GatewayEventID("evt_dup"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestWebhookRefundReversesCredit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intentID, walletID := createPaidIntent(t, env, 5000)

	require.NoError(t, env.svc.HandleWebhookEvent(ctx, &gateway.WebhookEvent{
		ProviderEventID: "evt_pay",
		Type:            gateway.EventPaymentIntentSucceeded,
		IntentID:        intentID,
		AmountReceived:  5000,
	}))

	require.NoError(t, env.svc.HandleWebhookEvent(ctx, &gateway.WebhookEvent{
		ProviderEventID: "evt_refund",
		Type:            gateway.EventChargeRefunded,
		IntentID:        intentID,
		Amount:          5000,
		AmountRefunded:  5000,
	}))

	trans, err := env.trans.GetByGatewayIntentID(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusRefunded, trans.Status)

	wallet, err := env.wallets.GetByID(ctx, nil, walletID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), wallet.Balance)

	entries, err := env.ledger.ListByTransactionID(ctx, trans.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.LedgerTypeRefund, entries[1].Type)
	assert.Equal(t, int64(5000), entries[1].Amount)

	events, err := env.events.ListByTransactionID(ctx, trans.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EconomicEventRevenueRefundIssued, events[1].EventType)
}

func TestWebhookFailedWritesErrorLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intentID, walletID := createPaidIntent(t, env, 5000)

	require.NoError(t, env.svc.HandleWebhookEvent(ctx, &gateway.WebhookEvent{
		ProviderEventID: "evt_fail",
		Type:            gateway.EventPaymentIntentFailed,
		IntentID:        intentID,
	}))

	trans, err := env.trans.GetByGatewayIntentID(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusFailed, trans.Status)

	// 余额不变，账本记 ERROR 条目
	wallet, err := env.wallets.GetByID(ctx, nil, walletID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), wallet.Balance)

	entries, err := env.ledger.ListByTransactionID(ctx, trans.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.LedgerTypeError, entries[0].Type)

	// 失败不产生经济事件
	events, err := env.events.ListByTransactionID(ctx, trans.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWebhookUnknownIntentIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.svc.HandleWebhookEvent(ctx, &gateway.WebhookEvent{
		ProviderEventID: "evt_foreign",
		Type:            gateway.EventPaymentIntentSucceeded,
		IntentID:        "pi_never_created",
		AmountReceived:  5000,
	})
	require.NoError(t, err)

	// 不产生任何写入
	var walletTxCount, ledgerCount, eventCount int64
	env.db.Model(&model.WalletTransaction{}).Count(&walletTxCount)
	env.db.Model(&model.LedgerEntry{}).Count(&ledgerCount)
	env.db.Model(&model.EconomicEvent{}).Count(&eventCount)
	assert.Equal(t, int64(0), walletTxCount)
	assert.Equal(t, int64(0), ledgerCount)
	assert.Equal(t, int64(0), eventCount)
}

func TestWebhookUnknownEventTypeIgnored(t *testing.T) {
	env := newTestEnv(t)
	intentID, _ := createPaidIntent(t, env, 5000)

	err := env.svc.HandleWebhookEvent(context.Background(), &gateway.WebhookEvent{
		ProviderEventID: "evt_other",
		Type:            "customer.created",
		IntentID:        intentID,
	})
	require.NoError(t, err)

	trans, err := env.trans.GetByGatewayIntentID(context.Background(), intentID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusPending, trans.Status)
}

// ============================================================
// 确认 / 退款（直接调用路径）
// ============================================================

func TestConfirmIntentDrivesToSucceeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intentID, walletID := createPaidIntent(t, env, 5000)

	// 网关侧处于待确认状态
	env.gw.intents[intentID].Status = gateway.IntentStatusRequiresConfirmation

	result := env.svc.ConfirmIntent(ctx, &service.ConfirmIntentRequest{IntentID: intentID})
	require.True(t, result.Success)
	assert.Equal(t, gateway.IntentStatusSucceeded, result.Status)
	assert.Equal(t, 1, env.gw.confirmCalls)

	trans, err := env.trans.GetByGatewayIntentID(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusSucceeded, trans.Status)

	wallet, err := env.wallets.GetByID(ctx, nil, walletID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), wallet.Balance)

	// 直接调用路径不带网关事件ID，不产生经济事件 —— 经济事件只由 webhook 触发
	events, err := env.events.ListByTransactionID(ctx, trans.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestConfirmIntentProcessingDoesNotWriteStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intentID, _ := createPaidIntent(t, env, 5000)

	env.gw.intents[intentID].Status = gateway.IntentStatusProcessing

	result := env.svc.ConfirmIntent(ctx, &service.ConfirmIntentRequest{IntentID: intentID})
	assert.False(t, result.Success)
	assert.Equal(t, gateway.IntentStatusProcessing, result.Status)

	// 中间态不落本地状态
	trans, err := env.trans.GetByGatewayIntentID(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusPending, trans.Status)
}

func TestRefundPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intentID, walletID := createPaidIntent(t, env, 5000)

	require.NoError(t, env.svc.HandleWebhookEvent(ctx, &gateway.WebhookEvent{
		ProviderEventID: "evt_paid",
		Type:            gateway.EventPaymentIntentSucceeded,
		IntentID:        intentID,
		AmountReceived:  5000,
	}))

	result := env.svc.RefundPayment(ctx, &service.RefundPaymentRequest{
		IntentID: intentID,
		Amount:   2000,
		Reason:   "partial refund",
	})
	require.True(t, result.Success)
	assert.Equal(t, "re_test_1", result.RefundID)

	trans, err := env.trans.GetByGatewayIntentID(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusRefunded, trans.Status)

	wallet, err := env.wallets.GetByID(ctx, nil, walletID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), wallet.Balance)
}

func TestRefundPaymentProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intentID, _ := createPaidIntent(t, env, 5000)
	env.gw.refundErr = gateway.NewProviderError("charge_already_refunded", "already refunded")

	result := env.svc.RefundPayment(ctx, &service.RefundPaymentRequest{IntentID: intentID})
	assert.False(t, result.Success)
	assert.Equal(t, "charge_already_refunded", result.ErrorReason)
}
