package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	// 发布模式，减少日志输出
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		payment := api.Group("/payment")
		{
			payment.POST("/intent", h.CreatePaymentIntent)
			payment.POST("/confirm", h.ConfirmPaymentIntent)
			payment.POST("/refund", h.RefundPayment)
			payment.GET("/status", h.GetPaymentStatus)
		}

		wallet := api.Group("/wallet")
		{
			wallet.POST("/debit", h.DebitWallet)
			wallet.GET("/balance", h.GetWalletBalance)
			wallet.GET("/transactions", h.ListWalletTransactions)
		}
	}

	// 网关回调不走 api 前缀，方便在网关侧单独配置
	r.POST("/webhook/gateway", h.HandleWebhook)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
