// ============================================================================
// Peer-Broker 共享登錄表 - 執行緒安全的節點集合
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 以獨立互斥鎖保護的有序節點集合，供 broker 追蹤記憶體內狀態
//
// 設計理念:
//   每個登錄表只有一把專用鎖，所有走訪都在持鎖期間進行：
//   1. entries []entry - 依插入順序排列，entries[0] 為串列頭
//   2. 每個節點有穩定的 ID，移除其他節點不會改變它
//   3. 節點從不離開鎖的範圍，只透過持鎖期間執行的回呼對外暴露
//
// 擁有權:
//   - Insert() 之後節點由登錄表擁有
//   - Remove() / RemoveFunc() 把擁有權轉交給呼叫端
//   - Clear() 逐一摘下串列頭並呼叫 Release()，整個過程只持有一次鎖
//   - nil 節點不會被接受（Insert 回傳 0）
//
// 並發安全:
//   - 使用 sync.Mutex（非 RWMutex），計數與清除與插入完全序列化
//   - 回呼函式在持鎖期間執行，不可再呼叫同一個登錄表的方法
//   - 不同登錄表之間沒有鎖順序要求
//
// ============================================================================

package registry

import (
	"reflect"
	"sync"

	"golang.org/x/exp/slices"
)

// ID 節點在登錄表中的穩定識別碼，0 保留為無效值
type ID uint64

// Releaser 由擁有子欄位的節點實作，Clear() 在丟棄節點前呼叫
type Releaser interface {
	Release()
}

type entry[T any] struct {
	id   ID
	node T
}

// List 以互斥鎖保護的節點集合
type List[T any] struct {
	name string

	mu      sync.Mutex
	entries []entry[T]
	nextID  ID
}

// New 建立空的登錄表
func New[T any](name string) *List[T] {
	return &List[T]{
		name:    name,
		entries: make([]entry[T], 0),
	}
}

// Name 回傳登錄表名稱（用於日誌與指標標籤）
func (l *List[T]) Name() string {
	return l.name
}

// Insert 將節點接到串列尾端，回傳其 ID；nil 節點被拒絕並回傳 0
//
// 併發安全：使用互斥鎖保護
func (l *List[T]) Insert(node T) ID {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.link(node)
}

// link 呼叫端必須持有鎖
func (l *List[T]) link(node T) ID {
	if isNil(node) {
		return 0
	}
	l.nextID++
	l.entries = append(l.entries, entry[T]{id: l.nextID, node: node})
	return l.nextID
}

// Remove 摘下指定 ID 的節點，擁有權轉交給呼叫端
//
// 返回值：
//   - T: 被摘下的節點
//   - bool: ID 不存在時為 false
func (l *List[T]) Remove(id ID) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := slices.IndexFunc(l.entries, func(e entry[T]) bool { return e.id == id })
	if idx < 0 {
		var zero T
		return zero, false
	}
	return l.unlinkAt(idx), true
}

// RemoveFunc 摘下所有符合條件的節點，依原順序回傳
func (l *List[T]) RemoveFunc(match func(T) bool) []T {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []T
	for {
		idx := slices.IndexFunc(l.entries, func(e entry[T]) bool { return match(e.node) })
		if idx < 0 {
			return removed
		}
		removed = append(removed, l.unlinkAt(idx))
	}
}

// unlinkAt 呼叫端必須持有鎖
func (l *List[T]) unlinkAt(idx int) T {
	node := l.entries[idx].node
	l.entries = slices.Delete(l.entries, idx, idx+1)
	return node
}

// Count 持鎖走訪整個串列，回傳當下的節點數量
//
// 回傳值只是持鎖瞬間的快照，釋放鎖後可能立即過時。
func (l *List[T]) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for range l.entries {
		n++
	}
	return n
}

// Clear 在一次持鎖期間逐一摘下串列頭並釋放，回傳釋放的節點數
//
// 對空的登錄表呼叫是安全的（不做任何事）。
func (l *List[T]) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	released := 0
	for len(l.entries) > 0 {
		head := l.entries[0]
		l.entries[0] = entry[T]{}
		l.entries = l.entries[1:]

		if r, ok := any(head.node).(Releaser); ok {
			r.Release()
		}
		released++
	}
	l.entries = make([]entry[T], 0)
	return released
}

// Find 持鎖找出第一個符合條件的節點並以 fn 處理，找不到時回傳 false
//
// fn 在持鎖期間執行；節點不可在 fn 之外保留或修改。
func (l *List[T]) Find(match func(T) bool, fn func(id ID, node T)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := slices.IndexFunc(l.entries, func(e entry[T]) bool { return match(e.node) })
	if idx < 0 {
		return false
	}
	if fn != nil {
		fn(l.entries[idx].id, l.entries[idx].node)
	}
	return true
}

// Each 持鎖依序走訪所有節點，fn 回傳 false 時停止
func (l *List[T]) Each(fn func(id ID, node T) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if !fn(e.id, e.node) {
			return
		}
	}
}

// Do 在單次持鎖期間執行 fn，適合「查找後修改」這類必須原子化的操作
func (l *List[T]) Do(fn func(tx *Tx[T])) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fn(&Tx[T]{list: l})
}

// IDs 回傳目前所有節點的 ID（依串列順序），不暴露節點本身
func (l *List[T]) IDs() []ID {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ID, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.id
	}
	return out
}

// isNil 判斷節點是否為 nil（含帶型別的 nil 指標）
func isNil[T any](node T) bool {
	v := reflect.ValueOf(any(node))
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// Tx 只在 Do 的回呼內有效的持鎖視圖
type Tx[T any] struct {
	list *List[T]
}

// Len 目前節點數量
func (tx *Tx[T]) Len() int {
	return len(tx.list.entries)
}

// Insert 在同一次持鎖期間插入節點
func (tx *Tx[T]) Insert(node T) ID {
	return tx.list.link(node)
}

// Remove 在同一次持鎖期間摘下節點
func (tx *Tx[T]) Remove(id ID) (T, bool) {
	idx := slices.IndexFunc(tx.list.entries, func(e entry[T]) bool { return e.id == id })
	if idx < 0 {
		var zero T
		return zero, false
	}
	return tx.list.unlinkAt(idx), true
}

// Each 在同一次持鎖期間走訪
func (tx *Tx[T]) Each(fn func(id ID, node T) bool) {
	for _, e := range tx.list.entries {
		if !fn(e.id, e.node) {
			return
		}
	}
}
