// Package types 定義了 peer-broker 共享狀態中的核心領域模型
package types

// PeerID 節點唯一識別碼
type PeerID string

// JobID 任務唯一識別碼
type JobID uint64

// HostStatus 本機主機狀態
type HostStatus int

// 定義主機狀態常數
const (
	HostUnknown HostStatus = -1 // 尚未建立主機記錄
	HostZombie  HostStatus = 0  // 已停止接受任務，等待退出
	HostMaster  HostStatus = 1  // 只分派任務，不執行
	HostIdle    HostStatus = 2  // 可接受任務
	HostBusy    HostStatus = 3  // 正在執行任務
)

func (s HostStatus) String() string {
	switch s {
	case HostZombie:
		return "zombie"
	case HostMaster:
		return "master"
	case HostIdle:
		return "idle"
	case HostBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Peer 遠端 broker 參與者
type Peer struct {
	ID       PeerID `json:"id"`
	Host     string `json:"host"`      // 主機識別（由節點擁有）
	Port     int    `json:"port"`      // 0 表示同行程直連
	LastSeen int64  `json:"last_seen"` // Unix 毫秒時間戳
}

// Release 釋放節點擁有的欄位
func (p *Peer) Release() {
	p.Host = ""
}

// Job 任務結構，代表一個遠端工作單元
type Job struct {
	ID         JobID  `json:"id"`
	Descriptor []byte `json:"descriptor"` // 任務描述（格式由協定層定義）
	Host       string `json:"host"`       // 目標主機
	Arg        []byte `json:"arg"`        // 參數載荷
	Opt        []byte `json:"opt"`        // 選項載荷
	CreatedAt  int64  `json:"created_at"` // Unix 毫秒時間戳
}

// Release 逐一釋放任務擁有的緩衝區
func (j *Job) Release() {
	j.Descriptor = nil
	j.Host = ""
	j.Arg = nil
	j.Opt = nil
}

// User 已授權的使用者
type User struct {
	Name string `json:"name"`
}

// Release 釋放名稱
func (u *User) Release() {
	u.Name = ""
}

// Group 已授權的群組
type Group struct {
	Name string `json:"name"`
}

// Release 釋放名稱
func (g *Group) Release() {
	g.Name = ""
}

// HostEntry 已知主機列表中的一筆記錄
type HostEntry struct {
	Name string `json:"name"`
}

// Release 釋放名稱
func (h *HostEntry) Release() {
	h.Name = ""
}

// HostRecord 本機的單例主機記錄
type HostRecord struct {
	Name   string     `json:"name"`
	Port   int        `json:"port"`
	Status HostStatus `json:"status"`
}

// FairShareEntry 公平分配的記帳記錄，除節點本身外不擁有其他資源
type FairShareEntry struct {
	JobID    JobID  `json:"job_id"`
	PeerHash uint32 `json:"peer_hash"`
	Started  int64  `json:"started"`  // Unix 毫秒時間戳
	Duration int64  `json:"duration"` // 毫秒
}
