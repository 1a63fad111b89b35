package lock

import (
	"fmt"
	"time"

	"github.com/lvdashuaibi/ussdvote/config"
)

// Lock 分布式锁接口，对账轮询用它做实例间的领导者选举
type Lock interface {
	// AcquireLock 获取分布式锁
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	AcquireLock(lockName string, timeout time.Duration) (bool, error)

	// RefreshLock 刷新锁的过期时间
	RefreshLock(lockName string, timeout time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁
	ReleaseLock(lockName string) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks()

	// Close 关闭分布式锁客户端
	Close() error
}

// New 按配置创建分布式锁客户端，支持etcd与redlock两种实现
func New() (Lock, error) {
	switch config.AppConfig.Lock.Type {
	case "", "etcd":
		return NewETCDLock()
	case "redlock":
		return NewRedLock()
	default:
		return nil, fmt.Errorf("不支持的锁类型: %s", config.AppConfig.Lock.Type)
	}
}
