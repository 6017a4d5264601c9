package registry

import "sync"

// Singleton 以專用鎖保護的單一記錄（例如本機主機記錄），不是串列
type Singleton[T any] struct {
	mu    sync.Mutex
	value T
	set   bool
}

// NewSingleton 建立尚未設定的單例
func NewSingleton[T any]() *Singleton[T] {
	return &Singleton[T]{}
}

// Load 回傳目前記錄的複本；尚未設定時 ok 為 false
func (s *Singleton[T]) Load() (value T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set
}

// Store 設定記錄
func (s *Singleton[T]) Store(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.set = true
}

// Update 在持鎖期間修改記錄；尚未設定時回傳 false 且不呼叫 fn
func (s *Singleton[T]) Update(fn func(*T)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return false
	}
	fn(&s.value)
	return true
}

// Clear 移除記錄
func (s *Singleton[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.value = zero
	s.set = false
}
