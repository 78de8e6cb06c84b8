package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors of the sale engine. Each instance registers
// on its own registry so tests can build as many as they need.
type Metrics struct {
	Registry *prometheus.Registry

	SalesTotal          *prometheus.CounterVec
	SaleAmount          *prometheus.CounterVec
	SaleRejections      *prometheus.CounterVec
	SaleCommitDuration  prometheus.Histogram
	VoidsTotal          prometheus.Counter
	CashSessionsOpened  prometheus.Counter
	CashSessionsClosed  prometheus.Counter
	StockAdjustments    *prometheus.CounterVec
	LowStockWarnings    prometheus.Counter
	PromotionCacheLooks *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New(prefix string) *Metrics {
	if prefix == "" {
		prefix = "tokopos"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		SalesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_sales_total",
			Help: "Committed sales by payment method",
		}, []string{"method"}),
		SaleAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_sale_amount_total",
			Help: "Sum of committed sale totals by payment method",
		}, []string{"method"}),
		SaleRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_sale_rejections_total",
			Help: "Sale commits rejected, by error kind",
		}, []string{"kind"}),
		SaleCommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_sale_commit_duration_seconds",
			Help:    "Duration of sale commit transactions",
			Buckets: prometheus.DefBuckets,
		}),
		VoidsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_sale_voids_total",
			Help: "Voided sales",
		}),
		CashSessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cash_sessions_opened_total",
			Help: "Cash sessions opened",
		}),
		CashSessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cash_sessions_closed_total",
			Help: "Cash sessions closed",
		}),
		StockAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_stock_adjustments_total",
			Help: "Manual stock movements by kind",
		}, []string{"kind"}),
		LowStockWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_low_stock_warnings_total",
			Help: "Sales that left a product at or below its minimum stock",
		}),
		PromotionCacheLooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_promotion_cache_lookups_total",
			Help: "Promotion catalog cache lookups by result",
		}, []string{"result"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(
		m.SalesTotal,
		m.SaleAmount,
		m.SaleRejections,
		m.SaleCommitDuration,
		m.VoidsTotal,
		m.CashSessionsOpened,
		m.CashSessionsClosed,
		m.StockAdjustments,
		m.LowStockWarnings,
		m.PromotionCacheLooks,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

func (m *Metrics) ObserveRequest(method string, path string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(took.Seconds())
}
