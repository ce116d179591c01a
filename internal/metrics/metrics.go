package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 支付链路的全部指标
// 指标失败不影响金融逻辑，所有打点都是同步内存操作
type Metrics struct {
	IntentCreated   prometheus.Counter
	ConfirmFailed   *prometheus.CounterVec
	RefundRequested prometheus.Counter
	RefundCompleted prometheus.Counter
	RefundFailed    prometheus.Counter

	DebitRequested prometheus.Counter
	DebitSucceeded prometheus.Counter
	DebitFailed    *prometheus.CounterVec

	SettlementRuns               prometheus.Counter
	SettlementIdle               prometheus.Counter
	SettlementFailed             prometheus.Counter
	SettlementInvalidDestination prometheus.Counter
	SettlementPending            prometheus.Gauge

	NegativeBalance prometheus.Counter // webhook 冲正导致余额为负的对账告警
	WorkerErrors    *prometheus.CounterVec

	IntentCreateDuration  prometheus.Histogram
	IntentConfirmDuration prometheus.Histogram
	RefundDuration        prometheus.Histogram
	DebitDuration         prometheus.Histogram
	SettlementDuration    prometheus.Histogram
}

// New 注册全部指标
// 测试传入独立的 prometheus.NewRegistry() 避免重复注册
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		IntentCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "payment_intent_created_total",
			Help: "创建支付意向次数",
		}),
		ConfirmFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_confirm_failed_total",
			Help: "确认支付失败次数（按原因）",
		}, []string{"reason"}),
		RefundRequested: factory.NewCounter(prometheus.CounterOpts{
			Name: "payment_refund_requested_total",
			Help: "发起退款次数",
		}),
		RefundCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "payment_refund_completed_total",
			Help: "退款完成次数",
		}),
		RefundFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "payment_refund_failed_total",
			Help: "退款失败次数",
		}),
		DebitRequested: factory.NewCounter(prometheus.CounterOpts{
			Name: "wallet_debit_requested_total",
			Help: "钱包扣款请求次数",
		}),
		DebitSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "wallet_debit_succeeded_total",
			Help: "钱包扣款成功次数",
		}),
		DebitFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_debit_failed_total",
			Help: "钱包扣款失败次数（按原因）",
		}, []string{"reason"}),
		SettlementRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "settlement_runs_total",
			Help: "结算任务执行轮数",
		}),
		SettlementIdle: factory.NewCounter(prometheus.CounterOpts{
			Name: "settlement_idle_total",
			Help: "结算任务空转轮数",
		}),
		SettlementFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "settlement_failed_total",
			Help: "结算失败笔数",
		}),
		SettlementInvalidDestination: factory.NewCounter(prometheus.CounterOpts{
			Name: "settlement_invalid_destination_total",
			Help: "目标账户缺失的结算单笔数",
		}),
		SettlementPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_pending",
			Help: "待结算交易数",
		}),
		NegativeBalance: factory.NewCounter(prometheus.CounterOpts{
			Name: "wallet_balance_negative_total",
			Help: "钱包余额变为负数的次数（对账告警）",
		}),
		WorkerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_errors_total",
			Help: "后台任务异常次数（按任务）",
		}, []string{"job"}),
		IntentCreateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "payment_intent_create_duration_seconds",
			Help:    "创建支付意向耗时",
			Buckets: prometheus.DefBuckets,
		}),
		IntentConfirmDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "payment_intent_confirm_duration_seconds",
			Help:    "确认支付耗时",
			Buckets: prometheus.DefBuckets,
		}),
		RefundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "payment_refund_duration_seconds",
			Help:    "退款处理耗时",
			Buckets: prometheus.DefBuckets,
		}),
		DebitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wallet_debit_duration_seconds",
			Help:    "钱包扣款耗时",
			Buckets: prometheus.DefBuckets,
		}),
		SettlementDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_process_duration_seconds",
			Help:    "单笔结算处理耗时",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
