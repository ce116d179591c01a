package handler

import (
	"strconv"

	"payledger/internal/gateway"
	"payledger/internal/service"
	"payledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// WebhookParser 网关 webhook 解析（签名校验 + 事件映射）
type WebhookParser interface {
	ParseWebhookEvent(payload []byte, signatureHeader string) (*gateway.WebhookEvent, error)
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	paymentService *service.PaymentService
	walletService  *service.WalletService
	webhookParser  WebhookParser
}

// NewHandler 创建处理器实例
func NewHandler(paymentService *service.PaymentService, walletService *service.WalletService, parser WebhookParser) *Handler {
	return &Handler{
		paymentService: paymentService,
		walletService:  walletService,
		webhookParser:  parser,
	}
}

// businessCode 把服务层 error_reason 映射为业务错误码
func businessCode(reason string) int {
	switch reason {
	case service.DebitReasonWalletNotFound:
		return response.CodeWalletNotFound
	case service.DebitReasonInsufficientBalance:
		return response.CodeInsufficientBalance
	case "TransactionNotFound":
		return response.CodeTransactionNotFound
	case service.ErrorReasonUnexpected:
		return response.CodeUnexpectedError
	default:
		return response.CodeProviderError
	}
}

// ============================================================
// 支付相关接口
// ============================================================

// CreatePaymentIntent 创建支付意向
// POST /api/v1/payment/intent
func (h *Handler) CreatePaymentIntent(c *gin.Context) {
	var req service.CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result := h.paymentService.CreateIntent(c.Request.Context(), &req)
	if !result.Success {
		response.BusinessError(c, businessCode(result.ErrorReason), result.ErrorReason)
		return
	}
	response.Success(c, result)
}

// ConfirmPaymentIntent 确认支付意向
// POST /api/v1/payment/confirm
func (h *Handler) ConfirmPaymentIntent(c *gin.Context) {
	var req service.ConfirmIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result := h.paymentService.ConfirmIntent(c.Request.Context(), &req)
	if !result.Success {
		response.BusinessError(c, businessCode(result.ErrorReason), result.ErrorReason)
		return
	}
	response.Success(c, result)
}

// RefundPayment 退款
// POST /api/v1/payment/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	var req service.RefundPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result := h.paymentService.RefundPayment(c.Request.Context(), &req)
	if !result.Success {
		response.BusinessError(c, response.CodeRefundFailed, result.ErrorReason)
		return
	}
	response.Success(c, result)
}

// GetPaymentStatus 查询支付状态（本地 + 网关）
// GET /api/v1/payment/status?intent_id=xxx
func (h *Handler) GetPaymentStatus(c *gin.Context) {
	intentID := c.Query("intent_id")
	if intentID == "" {
		response.ParamError(c, "intent_id 参数缺失")
		return
	}

	result := h.paymentService.GetPaymentStatus(c.Request.Context(), intentID)
	if !result.Success {
		response.BusinessError(c, businessCode(result.ErrorReason), result.ErrorReason)
		return
	}
	response.Success(c, result)
}

// HandleWebhook 网关 webhook 入口
// POST /webhook/gateway
//
// 返回 200 表示事件已接收；签名不合法返回 400。
// 处理失败返回 500，网关会按 at-least-once 语义重新投递
func (h *Handler) HandleWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}

	evt, err := h.webhookParser.ParseWebhookEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		response.ParamError(c, "webhook 校验失败")
		return
	}

	if err := h.paymentService.HandleWebhookEvent(c.Request.Context(), evt); err != nil {
		response.ServerError(c, "事件处理失败")
		return
	}
	response.Success(c, gin.H{"received": true})
}

// ============================================================
// 钱包相关接口
// ============================================================

// DebitWallet 同步扣款
// POST /api/v1/wallet/debit
func (h *Handler) DebitWallet(c *gin.Context) {
	var req service.DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result := h.walletService.Debit(c.Request.Context(), &req)
	if !result.Success {
		response.BusinessError(c, businessCode(result.ErrorReason), result.ErrorReason)
		return
	}
	response.Success(c, result)
}

// GetWalletBalance 查询余额（首次请求自动建钱包）
// GET /api/v1/wallet/balance?user_id=xxx&app_id=xxx
func (h *Handler) GetWalletBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}
	appID := c.Query("app_id")
	if appID == "" {
		response.ParamError(c, "app_id 参数缺失")
		return
	}

	wallet, err := h.walletService.GetOrCreateWallet(c.Request.Context(), userID, appID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"wallet_id": wallet.ID,
		"user_id":   wallet.UserID,
		"app_id":    wallet.AppID,
		"balance":   wallet.Balance,
	})
}

// ListWalletTransactions 查询钱包流水
// GET /api/v1/wallet/transactions?wallet_id=xxx&page=1&page_size=20
func (h *Handler) ListWalletTransactions(c *gin.Context) {
	walletID, err := strconv.ParseInt(c.Query("wallet_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "wallet_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	transactions, total, err := h.walletService.ListTransactions(c.Request.Context(), walletID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":  transactions,
		"total": total,
		"page":  page,
	})
}
