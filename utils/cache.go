package utils

import (
	"sync"
	"time"
)

// CacheManager 带过期时间的内存键集合，用于异步通知去重
type CacheManager struct {
	items sync.Map // key -> 过期时间
	now   func() time.Time
}

// NewCacheManager 创建缓存管理器
func NewCacheManager() *CacheManager {
	return &CacheManager{now: time.Now}
}

// SetIfAbsent 键不存在或已过期时写入并返回 true
func (cm *CacheManager) SetIfAbsent(key string, duration time.Duration) bool {
	expire := cm.now().Add(duration)
	for {
		existing, loaded := cm.items.LoadOrStore(key, expire)
		if !loaded {
			return true
		}
		if cm.now().Before(existing.(time.Time)) {
			return false
		}
		if cm.items.CompareAndSwap(key, existing, expire) {
			return true
		}
	}
}

// StartCleanup 定期清理过期缓存，stop 关闭后退出
func (cm *CacheManager) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cm.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
}

func (cm *CacheManager) cleanupExpired() {
	now := cm.now()
	cm.items.Range(func(key, value interface{}) bool {
		if now.After(value.(time.Time)) {
			cm.items.Delete(key)
		}
		return true
	})
}
