package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"payledger/internal/config"
	"payledger/internal/gateway"
	"payledger/internal/metrics"
	"payledger/internal/model"
	"payledger/internal/repository"
	"payledger/pkg/idgen"

	"gorm.io/gorm"
)

// ============================================================================
// 支付编排
// ============================================================================
//
// 三份事实来源（网关状态 / 本地交易 / 钱包余额）的对账逻辑集中在这里。
//
// 【重要】副作用分两级：
//   - 主副作用（交易状态 + 钱包余额 + 账本）在同一个 DB 事务内落地
//   - 次副作用（经济事件投递、埋点）失败只记日志，永远不回滚金融状态
// ============================================================================

type PaymentService struct {
	db              *gorm.DB
	gw              gateway.Client
	cfg             *config.Config
	metrics         *metrics.Metrics
	transactionRepo *repository.TransactionRepository
	walletRepo      *repository.WalletRepository
	ledgerRepo      *repository.LedgerRepository
	eventRepo       *repository.EventRepository
	outboxRepo      *repository.OutboxRepository
}

func NewPaymentService(db *gorm.DB, gw gateway.Client, cfg *config.Config, m *metrics.Metrics) *PaymentService {
	return &PaymentService{
		db:              db,
		gw:              gw,
		cfg:             cfg,
		metrics:         m,
		transactionRepo: repository.NewTransactionRepository(db),
		walletRepo:      repository.NewWalletRepository(db),
		ledgerRepo:      repository.NewLedgerRepository(db),
		eventRepo:       repository.NewEventRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

// ErrorReasonUnexpected 非网关来源的失败统一对外暴露的原因码
const ErrorReasonUnexpected = "UnexpectedError"

// errorReason 把内部错误转成对外 error_reason
// 网关错误暴露网关错误码，其余一律 UnexpectedError，不泄漏内部细节
func errorReason(err error) string {
	if ge, ok := err.(*gateway.Error); ok {
		return ge.Reason()
	}
	return ErrorReasonUnexpected
}

// ============================================================================
// 创建支付意向
// ============================================================================

type CreateIntentRequest struct {
	UserID               int64  `json:"user_id" binding:"required"`
	AppID                string `json:"app_id" binding:"required"`
	Amount               int64  `json:"amount" binding:"required,gt=0"` // 最小货币单位
	Currency             string `json:"currency"`
	TransactionType      string `json:"transaction_type"`
	WalletID             int64  `json:"wallet_id"`
	RoundID              string `json:"round_id"`
	InvestmentID         string `json:"investment_id"`
	CorrelationID        string `json:"correlation_id"`
	InvestorShares       int64  `json:"investor_shares"`
	DestinationAccountID string `json:"destination_account_id"` // 分账目标（可选）
	ApplicationFeeAmount int64  `json:"application_fee_amount"`
}

type CreateIntentResult struct {
	Success       bool   `json:"success"`
	IntentID      string `json:"intent_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
	TransactionNo string `json:"transaction_no,omitempty"`
	ErrorReason   string `json:"error_reason,omitempty"`
}

// CreateIntent 创建支付意向
// 每次调用恰好落一条本地交易，网关失败不自动重试
func (s *PaymentService) CreateIntent(ctx context.Context, req *CreateIntentRequest) *CreateIntentResult {
	start := time.Now()
	defer func() {
		s.metrics.IntentCreateDuration.Observe(time.Since(start).Seconds())
	}()

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	transactionType := req.TransactionType
	if transactionType == "" {
		transactionType = model.TransactionTypePayment
	}

	intent, err := s.gw.CreateIntent(ctx, &gateway.CreateIntentParams{
		Amount:   req.Amount,
		Currency: currency,
		Metadata: map[string]string{
			"user_id":        fmt.Sprintf("%d", req.UserID),
			"app_id":         req.AppID,
			"round_id":       req.RoundID,
			"investment_id":  req.InvestmentID,
			"correlation_id": req.CorrelationID,
		},
		DestinationAccountID: req.DestinationAccountID,
		ApplicationFeeAmount: req.ApplicationFeeAmount,
	})
	if err != nil {
		log.Printf("[PaymentService] 创建支付意向失败: userID=%d, err=%v", req.UserID, err)
		return &CreateIntentResult{Success: false, ErrorReason: errorReason(err)}
	}

	trans := &model.Transaction{
		TransactionNo:        idgen.GenerateTransactionNo(),
		TransactionType:      transactionType,
		Amount:               req.Amount,
		Currency:             currency,
		GatewayIntentID:      &intent.ID,
		WalletID:             req.WalletID,
		AppID:                req.AppID,
		Status:               model.TransactionStatusPending,
		PayerUserID:          req.UserID,
		DestinationAccountID: req.DestinationAccountID,
		RoundID:              req.RoundID,
		InvestorShares:       req.InvestorShares,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("创建交易失败: %w", err)
		}

		// 指定钱包时写一条占位流水，余额此时不变
		if req.WalletID != 0 {
			wallet, err := s.walletRepo.GetByID(ctx, tx, req.WalletID)
			if err != nil {
				return fmt.Errorf("查询钱包失败: %w", err)
			}
			walletTx := &model.WalletTransaction{
				WalletTxNo:    idgen.GenerateWalletTxNo(),
				WalletID:      wallet.ID,
				TransactionID: trans.ID,
				Amount:        0,
				Kind:          model.WalletTxKindReserved,
				BalanceBefore: wallet.Balance,
				BalanceAfter:  wallet.Balance,
				Remark:        fmt.Sprintf("支付意向-%s", intent.ID),
			}
			if err := s.walletRepo.AppendTransaction(ctx, tx, walletTx); err != nil {
				return fmt.Errorf("记录钱包流水失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("[PaymentService] 支付意向落库失败: intentID=%s, err=%v", intent.ID, err)
		return &CreateIntentResult{Success: false, ErrorReason: ErrorReasonUnexpected}
	}

	s.metrics.IntentCreated.Inc()
	s.emitAnalytics(ctx, "payment.intent_created", map[string]interface{}{
		"intent_id":      intent.ID,
		"transaction_no": trans.TransactionNo,
		"user_id":        req.UserID,
		"app_id":         req.AppID,
		"amount":         req.Amount,
		"currency":       currency,
	})

	log.Printf("[PaymentService] 支付意向已创建: intentID=%s, transactionNo=%s, amount=%d",
		intent.ID, trans.TransactionNo, req.Amount)

	return &CreateIntentResult{
		Success:       true,
		IntentID:      intent.ID,
		ClientSecret:  intent.ClientSecret,
		TransactionNo: trans.TransactionNo,
	}
}

// ============================================================================
// 确认支付意向
// ============================================================================

type ConfirmIntentRequest struct {
	IntentID string `json:"intent_id" binding:"required"`
}

type ConfirmIntentResult struct {
	Success     bool   `json:"success"`
	Status      string `json:"status,omitempty"`
	IntentID    string `json:"intent_id,omitempty"`
	ErrorReason string `json:"error_reason,omitempty"`
}

// ConfirmIntent 查询当前网关状态，必要时发起确认，并把终态落到本地
// 直接调用路径不携带网关事件ID，经济事件只由 webhook 触发
func (s *PaymentService) ConfirmIntent(ctx context.Context, req *ConfirmIntentRequest) *ConfirmIntentResult {
	start := time.Now()
	defer func() {
		s.metrics.IntentConfirmDuration.Observe(time.Since(start).Seconds())
	}()

	intent, err := s.gw.GetIntent(ctx, req.IntentID)
	if err != nil {
		reason := errorReason(err)
		s.metrics.ConfirmFailed.WithLabelValues(reason).Inc()
		log.Printf("[PaymentService] 查询支付意向失败: intentID=%s, err=%v", req.IntentID, err)
		return &ConfirmIntentResult{Success: false, IntentID: req.IntentID, ErrorReason: reason}
	}

	if intent.Status == gateway.IntentStatusRequiresConfirmation ||
		intent.Status == gateway.IntentStatusRequiresAction {
		intent, err = s.gw.ConfirmIntent(ctx, req.IntentID)
		if err != nil {
			reason := errorReason(err)
			s.metrics.ConfirmFailed.WithLabelValues(reason).Inc()
			log.Printf("[PaymentService] 确认支付意向失败: intentID=%s, err=%v", req.IntentID, err)
			return &ConfirmIntentResult{Success: false, IntentID: req.IntentID, ErrorReason: reason}
		}
	}

	switch intent.Status {
	case gateway.IntentStatusSucceeded:
		amount := intent.AmountReceived
		if amount == 0 {
			amount = intent.Amount
		}
		if err := s.ApplyStatus(ctx, req.IntentID, model.TransactionStatusSucceeded, amount, ""); err != nil {
			log.Printf("[PaymentService] 落地支付成功状态失败: intentID=%s, err=%v", req.IntentID, err)
			return &ConfirmIntentResult{Success: false, IntentID: req.IntentID, ErrorReason: ErrorReasonUnexpected}
		}
		return &ConfirmIntentResult{Success: true, Status: intent.Status, IntentID: req.IntentID}
	case gateway.IntentStatusCanceled, gateway.IntentStatusRequiresPaymentMethod:
		if err := s.ApplyStatus(ctx, req.IntentID, model.TransactionStatusFailed, 0, ""); err != nil {
			log.Printf("[PaymentService] 落地支付失败状态失败: intentID=%s, err=%v", req.IntentID, err)
			return &ConfirmIntentResult{Success: false, IntentID: req.IntentID, ErrorReason: ErrorReasonUnexpected}
		}
		return &ConfirmIntentResult{Success: true, Status: intent.Status, IntentID: req.IntentID}
	default:
		// processing 等中间态不写本地状态，等 webhook
		s.metrics.ConfirmFailed.WithLabelValues(intent.Status).Inc()
		return &ConfirmIntentResult{Success: false, Status: intent.Status, IntentID: req.IntentID, ErrorReason: intent.Status}
	}
}

// ============================================================================
// 退款
// ============================================================================

type RefundPaymentRequest struct {
	IntentID string `json:"intent_id" binding:"required"`
	Amount   int64  `json:"amount"` // 0 表示全额
	Reason   string `json:"reason"`
}

type RefundPaymentResult struct {
	Success     bool   `json:"success"`
	RefundID    string `json:"refund_id,omitempty"`
	Status      string `json:"status,omitempty"`
	ErrorReason string `json:"error_reason,omitempty"`
}

// RefundPayment 发起退款
func (s *PaymentService) RefundPayment(ctx context.Context, req *RefundPaymentRequest) *RefundPaymentResult {
	start := time.Now()
	defer func() {
		s.metrics.RefundDuration.Observe(time.Since(start).Seconds())
	}()
	s.metrics.RefundRequested.Inc()

	refundRequestID := idgen.GenerateRefundRequestNo()

	refund, err := s.gw.CreateRefund(ctx, &gateway.CreateRefundParams{
		IntentID:        req.IntentID,
		Amount:          req.Amount,
		RefundRequestID: refundRequestID,
		Reason:          req.Reason,
	})
	if err != nil {
		s.metrics.RefundFailed.Inc()
		log.Printf("[PaymentService] 网关退款失败: intentID=%s, refundRequestID=%s, err=%v",
			req.IntentID, refundRequestID, err)
		return &RefundPaymentResult{Success: false, ErrorReason: errorReason(err)}
	}

	if refund.Status != gateway.RefundStatusSucceeded && refund.Status != gateway.RefundStatusPending {
		s.metrics.RefundFailed.Inc()
		log.Printf("[PaymentService] 退款状态异常: intentID=%s, refundID=%s, status=%s",
			req.IntentID, refund.ID, refund.Status)
		return &RefundPaymentResult{Success: false, RefundID: refund.ID, Status: refund.Status, ErrorReason: refund.Status}
	}

	refundAmount := refund.Amount
	if refundAmount == 0 {
		refundAmount = req.Amount
	}

	if err := s.ApplyStatus(ctx, req.IntentID, model.TransactionStatusRefunded, -refundAmount, ""); err != nil {
		s.metrics.RefundFailed.Inc()
		log.Printf("[PaymentService] 落地退款状态失败: intentID=%s, err=%v", req.IntentID, err)
		return &RefundPaymentResult{Success: false, RefundID: refund.ID, ErrorReason: ErrorReasonUnexpected}
	}

	s.metrics.RefundCompleted.Inc()
	log.Printf("[PaymentService] 退款完成: intentID=%s, refundID=%s, amount=%d, status=%s",
		req.IntentID, refund.ID, refundAmount, refund.Status)

	return &RefundPaymentResult{Success: true, RefundID: refund.ID, Status: refund.Status}
}

// ============================================================================
// 查询支付状态
// ============================================================================

type PaymentStatusResult struct {
	Success        bool   `json:"success"`
	IntentID       string `json:"intent_id,omitempty"`
	LocalStatus    string `json:"local_status,omitempty"`
	ProviderStatus string `json:"provider_status,omitempty"`
	Amount         int64  `json:"amount,omitempty"`
	ErrorReason    string `json:"error_reason,omitempty"`
}

// GetPaymentStatus 同时返回本地与网关状态，便于排查两边不一致
func (s *PaymentService) GetPaymentStatus(ctx context.Context, intentID string) *PaymentStatusResult {
	trans, err := s.transactionRepo.GetByGatewayIntentID(ctx, intentID)
	if err != nil {
		return &PaymentStatusResult{Success: false, IntentID: intentID, ErrorReason: ErrorReasonUnexpected}
	}
	if trans == nil {
		return &PaymentStatusResult{Success: false, IntentID: intentID, ErrorReason: "TransactionNotFound"}
	}

	result := &PaymentStatusResult{
		Success:     true,
		IntentID:    intentID,
		LocalStatus: trans.Status,
		Amount:      trans.Amount,
	}

	intent, err := s.gw.GetIntent(ctx, intentID)
	if err != nil {
		// 网关暂时不可达时本地状态仍然可用
		log.Printf("[PaymentService] 查询网关状态失败: intentID=%s, err=%v", intentID, err)
		return result
	}
	result.ProviderStatus = intent.Status
	return result
}

// ============================================================================
// Webhook 处理
// ============================================================================

// HandleWebhookEvent 应用网关推送的事件
// webhook 路径携带网关事件ID —— 它是经济事件的幂等键来源；
// 直接调用（confirm/refund）不带事件ID，因此永远不会重复产生经济事件
func (s *PaymentService) HandleWebhookEvent(ctx context.Context, evt *gateway.WebhookEvent) error {
	switch evt.Type {
	case gateway.EventPaymentIntentSucceeded:
		amount := evt.AmountReceived
		if amount == 0 {
			amount = evt.Amount
		}
		return s.ApplyStatus(ctx, evt.IntentID, model.TransactionStatusSucceeded, amount, evt.ProviderEventID)
	case gateway.EventPaymentIntentFailed:
		return s.ApplyStatus(ctx, evt.IntentID, model.TransactionStatusFailed, 0, evt.ProviderEventID)
	case gateway.EventPaymentIntentCanceled:
		return s.ApplyStatus(ctx, evt.IntentID, model.TransactionStatusCanceled, 0, evt.ProviderEventID)
	case gateway.EventChargeRefunded:
		amount := evt.AmountRefunded
		if amount == 0 {
			amount = evt.Amount
		}
		return s.ApplyStatus(ctx, evt.IntentID, model.TransactionStatusRefunded, -amount, evt.ProviderEventID)
	default:
		log.Printf("[PaymentService] 忽略未关心的 webhook 事件: type=%s, eventID=%s", evt.Type, evt.ProviderEventID)
		return nil
	}
}

// ============================================================================
// 核心对账例程
// ============================================================================

// ApplyStatus 把一个网关侧结论落到本地：交易状态、钱包余额、账本、经济事件
//
// 幂等性：
//   - 找不到交易 —— 无操作返回（webhook 可能推送别家创建的意向）
//   - 目标状态与当前状态相同 —— 无操作返回（重复投递）
//   - 状态机不允许的流转 —— 记日志后无操作返回（乱序投递）
//   - 经济事件靠 event_id 唯一索引去重
func (s *PaymentService) ApplyStatus(ctx context.Context, intentID, targetStatus string, amountDelta int64, providerEventID string) error {
	trans, err := s.transactionRepo.GetByGatewayIntentID(ctx, intentID)
	if err != nil {
		return fmt.Errorf("查询交易失败: %w", err)
	}
	if trans == nil {
		log.Printf("[PaymentService] 未找到本地交易，忽略: intentID=%s, status=%s", intentID, targetStatus)
		return nil
	}

	if trans.Status == targetStatus {
		log.Printf("[PaymentService] 状态已应用，幂等跳过: intentID=%s, status=%s", intentID, targetStatus)
		return nil
	}

	if !model.CanTransitionTo(trans.Status, targetStatus) {
		log.Printf("[PaymentService] 状态流转不合法，忽略: intentID=%s, %s -> %s",
			intentID, trans.Status, targetStatus)
		return nil
	}

	var negativeBalance bool
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.transactionRepo.UpdateStatus(ctx, tx, trans.ID, trans.Status, targetStatus); err != nil {
			return fmt.Errorf("更新交易状态失败: %w", err)
		}

		if trans.WalletID != 0 {
			wallet, err := s.walletRepo.GetByID(ctx, tx, trans.WalletID)
			if err != nil {
				return fmt.Errorf("查询钱包失败: %w", err)
			}

			if amountDelta != 0 {
				if err := s.walletRepo.Adjust(ctx, tx, wallet.ID, amountDelta); err != nil {
					return fmt.Errorf("调整余额失败: %w", err)
				}

				kind := model.WalletTxKindCredited
				if amountDelta < 0 {
					kind = model.WalletTxKindRefunded
				}
				walletTx := &model.WalletTransaction{
					WalletTxNo:    idgen.GenerateWalletTxNo(),
					WalletID:      wallet.ID,
					TransactionID: trans.ID,
					Amount:        amountDelta,
					Kind:          kind,
					BalanceBefore: wallet.Balance,
					BalanceAfter:  wallet.Balance + amountDelta,
					Remark:        fmt.Sprintf("状态落地-%s", targetStatus),
				}
				if err := s.walletRepo.AppendTransaction(ctx, tx, walletTx); err != nil {
					return fmt.Errorf("记录钱包流水失败: %w", err)
				}

				if wallet.Balance+amountDelta < 0 {
					negativeBalance = true
				}
			}

			ledgerAmount := amountDelta
			if ledgerAmount < 0 {
				ledgerAmount = -ledgerAmount
			}
			source := "confirm"
			if providerEventID != "" {
				source = "webhook"
			}
			entry := &model.LedgerEntry{
				LedgerNo:        idgen.GenerateLedgerNo(),
				UserID:          trans.PayerUserID,
				AppID:           trans.AppID,
				WalletID:        wallet.ID,
				TransactionID:   trans.ID,
				GatewayIntentID: intentID,
				Type:            model.LedgerTypeForStatus(targetStatus),
				Source:          source,
				Reason:          fmt.Sprintf("状态 %s -> %s", trans.Status, targetStatus),
				Amount:          ledgerAmount,
				Currency:        trans.Currency,
			}
			if err := s.ledgerRepo.Append(ctx, tx, entry); err != nil {
				return fmt.Errorf("追加账本失败: %w", err)
			}
		}

		// 经济事件属于次副作用：写入失败只记日志，不回滚金融状态
		s.appendEconomicEvent(ctx, tx, trans, targetStatus, amountDelta, providerEventID)

		return nil
	})
	if err != nil {
		return err
	}

	if negativeBalance {
		// 对账告警：webhook 冲正把余额打成了负数（如重复退款）
		s.metrics.NegativeBalance.Inc()
		log.Printf("[PaymentService] 【告警】钱包余额为负: walletID=%d, intentID=%s, delta=%d",
			trans.WalletID, intentID, amountDelta)
	}

	s.emitAnalytics(ctx, "payment.status_applied", map[string]interface{}{
		"intent_id":    intentID,
		"from_status":  trans.Status,
		"to_status":    targetStatus,
		"amount_delta": amountDelta,
	})

	log.Printf("[PaymentService] 状态已落地: intentID=%s, %s -> %s, delta=%d",
		intentID, trans.Status, targetStatus, amountDelta)
	return nil
}

// appendEconomicEvent 条件性追加经济事件并投递到发件箱
// 只有 webhook 路径（携带网关事件ID）且交易属于一次性营收类型时才产生；
// 任何失败都被吞掉，金融状态流转不受影响
func (s *PaymentService) appendEconomicEvent(ctx context.Context, tx *gorm.DB, trans *model.Transaction, targetStatus string, amountDelta int64, providerEventID string) {
	if providerEventID == "" || !model.IsOneTimeRevenueType(trans.TransactionType) {
		return
	}

	var eventType string
	switch targetStatus {
	case model.TransactionStatusSucceeded:
		eventType = model.EconomicEventRevenueInvoicePaid
	case model.TransactionStatusRefunded:
		eventType = model.EconomicEventRevenueRefundIssued
	default:
		return
	}

	intentID := ""
	if trans.GatewayIntentID != nil {
		intentID = *trans.GatewayIntentID
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"gateway_intent_id": intentID,
		"transaction_no":    trans.TransactionNo,
		"amount":            amountDelta,
		"currency":          trans.Currency,
		"status":            targetStatus,
	})

	event := &model.EconomicEvent{
		EventID:       model.GatewayEventID(providerEventID),
		EventType:     eventType,
		OccurredAt:    time.Now(),
		Producer:      "payledger",
		Service:       "payment-orchestrator",
		AppID:         trans.AppID,
		RequestID:     providerEventID,
		ActorType:     model.ActorTypeSystem,
		ActorID:       "gateway",
		UserID:        trans.PayerUserID,
		TransactionID: trans.ID,
		Payload:       string(payload),
	}

	inserted, err := s.eventRepo.AppendIdempotent(ctx, tx, event)
	if err != nil {
		log.Printf("[PaymentService] 经济事件写入失败（已忽略）: eventID=%s, err=%v", event.EventID, err)
		return
	}
	if !inserted {
		log.Printf("[PaymentService] 经济事件重复投递，去重: eventID=%s", event.EventID)
		return
	}

	msg := &model.OutboxMessage{
		MessageKey: event.EventID,
		Topic:      s.cfg.Kafka.Topic.EconomicEvents,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		log.Printf("[PaymentService] 经济事件发件箱写入失败（已忽略）: eventID=%s, err=%v", event.EventID, err)
	}
}

// emitAnalytics 埋点事件，尽力而为
// 在金融事务提交之后调用，失败只记日志
func (s *PaymentService) emitAnalytics(ctx context.Context, eventName string, fields map[string]interface{}) {
	fields["event"] = eventName
	fields["emitted_at"] = time.Now().Format(time.RFC3339)
	payload, err := json.Marshal(fields)
	if err != nil {
		log.Printf("[PaymentService] 埋点序列化失败（已忽略）: event=%s, err=%v", eventName, err)
		return
	}

	msg := &model.OutboxMessage{
		MessageKey: eventName,
		Topic:      s.cfg.Kafka.Topic.Analytics,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, msg); err != nil {
		log.Printf("[PaymentService] 埋点写入失败（已忽略）: event=%s, err=%v", eventName, err)
	}
}
