// ============================================================================
// Peer-Broker 共享狀態 - 行程內唯一的 broker 狀態上下文
// ============================================================================
//
// Package: internal/broker
// 文件: state.go
// 功能: 集中持有六個共享登錄表與本機主機單例
//
// 組成:
//   - Peers      已知的 broker 參與者
//   - Jobs       待處理任務
//   - Users      已授權使用者
//   - Groups     已授權群組
//   - Hosts      已知主機
//   - FairShare  公平分配記帳記錄
//   - Host       本機主機單例（只提供狀態讀取）
//
// 生命週期:
//   1. NewState() 在任何連線處理 goroutine 啟動之前建立（全部為空）
//   2. 以指標傳入所有連線處理與排程例程，不使用全域變數
//   3. 關閉或重置時呼叫 Reset() 清空所有登錄表
//
// 並發安全:
//   每個登錄表有自己的鎖；State 本身的方法一次只持有一把鎖，
//   因此不需要跨登錄表的鎖順序。
//
// ============================================================================

package broker

import (
	"log/slog"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/peer-broker/internal/metrics"
	"github.com/ChuLiYu/peer-broker/internal/registry"
	"github.com/ChuLiYu/peer-broker/pkg/types"
)

// 登錄表名稱（同時作為指標標籤與統計鍵）
const (
	RegistryPeers     = "peers"
	RegistryJobs      = "jobs"
	RegistryUsers     = "users"
	RegistryGroups    = "groups"
	RegistryHosts     = "hosts"
	RegistryFairShare = "fairshare"
)

// State broker 的共享狀態
type State struct {
	Peers     *registry.List[*types.Peer]
	Jobs      *registry.List[*types.Job]
	Users     *registry.List[*types.User]
	Groups    *registry.List[*types.Group]
	Hosts     *registry.List[*types.HostEntry]
	FairShare *registry.List[*types.FairShareEntry]
	Host      *registry.Singleton[types.HostRecord]

	metrics *metrics.Collector
	logger  *slog.Logger
}

// Option 自訂 State
type Option func(*State)

// WithMetrics 設定指標收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(s *State) { s.metrics = c }
}

// WithLogger 設定日誌
func WithLogger(l *slog.Logger) Option {
	return func(s *State) { s.logger = l }
}

// NewState 建立全部為空的共享狀態
func NewState(opts ...Option) *State {
	s := &State{
		Peers:     registry.New[*types.Peer](RegistryPeers),
		Jobs:      registry.New[*types.Job](RegistryJobs),
		Users:     registry.New[*types.User](RegistryUsers),
		Groups:    registry.New[*types.Group](RegistryGroups),
		Hosts:     registry.New[*types.HostEntry](RegistryHosts),
		FairShare: registry.New[*types.FairShareEntry](RegistryFairShare),
		Host:      registry.NewSingleton[types.HostRecord](),
		logger:    slog.With("component", "broker"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PeerCount 目前已知節點數
func (s *State) PeerCount() int { return s.Peers.Count() }

// JobCount 目前任務數
func (s *State) JobCount() int { return s.Jobs.Count() }

// HostStatus 持鎖讀取本機主機狀態；尚未建立主機記錄時回傳 HostUnknown
func (s *State) HostStatus() types.HostStatus {
	rec, ok := s.Host.Load()
	if !ok {
		return types.HostUnknown
	}
	return rec.Status
}

// SetHostStatus 設定本機主機狀態；主機記錄不存在時回傳 false
func (s *State) SetHostStatus(status types.HostStatus) bool {
	ok := s.Host.Update(func(rec *types.HostRecord) { rec.Status = status })
	if ok {
		s.metrics.SetHostStatus(int(status))
	}
	return ok
}

// SetHost 建立或覆寫本機主機記錄
func (s *State) SetHost(rec types.HostRecord) {
	s.Host.Store(rec)
	s.metrics.SetHostStatus(int(rec.Status))
}

// Stats 依序計數每個登錄表（每次只持有一把鎖）
//
// 返回值：
//   - map[string]int: 登錄表名稱 → 節點數
//
// 各計數分別在不同時間點取得，彼此之間不保證一致。
func (s *State) Stats() map[string]int {
	stats := map[string]int{
		RegistryPeers:     s.Peers.Count(),
		RegistryJobs:      s.Jobs.Count(),
		RegistryUsers:     s.Users.Count(),
		RegistryGroups:    s.Groups.Count(),
		RegistryHosts:     s.Hosts.Count(),
		RegistryFairShare: s.FairShare.Count(),
	}
	s.metrics.UpdateRegistryStats(stats)
	return stats
}

// Reset 清空所有登錄表與主機記錄，回傳各登錄表釋放的節點數
func (s *State) Reset() map[string]int {
	released := map[string]int{
		RegistryPeers:     s.Peers.Clear(),
		RegistryJobs:      s.Jobs.Clear(),
		RegistryUsers:     s.Users.Clear(),
		RegistryGroups:    s.Groups.Clear(),
		RegistryHosts:     s.Hosts.Clear(),
		RegistryFairShare: s.FairShare.Clear(),
	}
	s.Host.Clear()

	s.metrics.UpdateRegistryStats(map[string]int{
		RegistryPeers: 0, RegistryJobs: 0, RegistryUsers: 0,
		RegistryGroups: 0, RegistryHosts: 0, RegistryFairShare: 0,
	})
	s.metrics.SetHostStatus(int(types.HostUnknown))
	s.logger.Info("shared state cleared",
		"peers", released[RegistryPeers],
		"jobs", released[RegistryJobs],
		"users", released[RegistryUsers],
		"groups", released[RegistryGroups],
		"hosts", released[RegistryHosts],
		"fairshare", released[RegistryFairShare])
	return released
}

// Describe 以 protobuf Struct 描述目前狀態（供 status 命令與除錯輸出）
func (s *State) Describe() (*structpb.Struct, error) {
	counts := make(map[string]interface{})
	for name, n := range s.Stats() {
		counts[name] = n
	}

	host := map[string]interface{}{
		"status": s.HostStatus().String(),
	}
	if rec, ok := s.Host.Load(); ok {
		host["name"] = rec.Name
		host["port"] = rec.Port
	}

	return structpb.NewStruct(map[string]interface{}{
		"registries": counts,
		"host":       host,
	})
}
