// ============================================================================
// Peer-Broker Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露連線、傳輸與共享狀態的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 連線計數器 (Counter)：
//      - peer_broker_connect_attempts_total: connect 嘗試次數（含重試）
//      - peer_broker_connect_failures_total{kind}: 依錯誤種類分類的開啟失敗
//      - peer_broker_connections_closed_total: 已關閉的連線數
//
//   2. 傳輸計數器 (Counter)：
//      - peer_broker_transfer_bytes_total{direction}: 已傳輸位元組
//      - peer_broker_short_transfers_total{direction}: 未完成的傳輸次數
//
//   3. 狀態指標 (Gauge)：
//      - peer_broker_connections_open: 目前開啟中的連線
//      - peer_broker_registry_nodes{registry}: 各登錄表節點數
//      - peer_broker_host_status: 本機主機狀態（-1 表示尚未建立）
//
// 使用場景:
//   - connections_open 持續增長 → 連線洩漏
//   - connect_failures_total{kind="retries_exhausted"} 突增 → 對端不可達
//   - short_transfers_total 增長 → 對端中途斷線
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口: 9090
//
// 所有 Record* 方法對 nil Collector 都是 no-op，元件可以不帶指標運行。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 傳輸方向標籤
const (
	DirectionReceive = "receive"
	DirectionSend    = "send"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 連線相關指標
	connectAttempts   prometheus.Counter
	connectFailures   *prometheus.CounterVec
	connectionsClosed prometheus.Counter
	connectionsOpen   prometheus.Gauge

	// 傳輸指標
	transferBytes  *prometheus.CounterVec
	shortTransfers *prometheus.CounterVec

	// 狀態指標
	registryNodes *prometheus.GaugeVec
	hostStatus    prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peer_broker_connect_attempts_total",
			Help: "Total number of connect attempts, retries included",
		}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_broker_connect_failures_total",
			Help: "Total number of failed connection opens by error kind",
		}, []string{"kind"}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peer_broker_connections_closed_total",
			Help: "Total number of connections closed",
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peer_broker_connections_open",
			Help: "Current number of open connections",
		}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_broker_transfer_bytes_total",
			Help: "Total number of bytes moved by reliable send/receive",
		}, []string{"direction"}),
		shortTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_broker_short_transfers_total",
			Help: "Total number of transfers that stopped before the requested size",
		}, []string{"direction"}),
		registryNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_broker_registry_nodes",
			Help: "Number of nodes in each shared registry",
		}, []string{"registry"}),
		hostStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peer_broker_host_status",
			Help: "Status of the local host record, -1 when unset",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.connectAttempts)
	prometheus.MustRegister(c.connectFailures)
	prometheus.MustRegister(c.connectionsClosed)
	prometheus.MustRegister(c.connectionsOpen)
	prometheus.MustRegister(c.transferBytes)
	prometheus.MustRegister(c.shortTransfers)
	prometheus.MustRegister(c.registryNodes)
	prometheus.MustRegister(c.hostStatus)

	c.hostStatus.Set(-1)
	return c
}

// RecordConnectAttempt 記錄一次 connect 嘗試
func (c *Collector) RecordConnectAttempt() {
	if c == nil {
		return
	}
	c.connectAttempts.Inc()
}

// RecordConnectFailure 記錄開啟連線失敗
func (c *Collector) RecordConnectFailure(kind string) {
	if c == nil {
		return
	}
	c.connectFailures.WithLabelValues(kind).Inc()
}

// RecordOpen 記錄連線開啟
func (c *Collector) RecordOpen() {
	if c == nil {
		return
	}
	c.connectionsOpen.Inc()
}

// RecordClose 記錄連線關閉
func (c *Collector) RecordClose() {
	if c == nil {
		return
	}
	c.connectionsOpen.Dec()
	c.connectionsClosed.Inc()
}

// RecordTransfer 記錄一次可靠傳輸的結果
//
// 參數：
//   - direction: DirectionReceive 或 DirectionSend
//   - done: 實際傳輸的位元組數
//   - want: 請求的位元組數
func (c *Collector) RecordTransfer(direction string, done, want int) {
	if c == nil {
		return
	}
	c.transferBytes.WithLabelValues(direction).Add(float64(done))
	if done < want {
		c.shortTransfers.WithLabelValues(direction).Inc()
	}
}

// UpdateRegistryStats 更新各登錄表節點數
func (c *Collector) UpdateRegistryStats(counts map[string]int) {
	if c == nil {
		return
	}
	for name, n := range counts {
		c.registryNodes.WithLabelValues(name).Set(float64(n))
	}
}

// SetHostStatus 設置主機狀態
func (c *Collector) SetHostStatus(status int) {
	if c == nil {
		return
	}
	c.hostStatus.Set(float64(status))
}

// Handler 回傳 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
