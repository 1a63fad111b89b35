package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/lvdashuaibi/ussdvote/config"
	"github.com/lvdashuaibi/ussdvote/internal/lock"
	"github.com/lvdashuaibi/ussdvote/internal/model"
)

const (
	SweepLockName = "ussdvote:reconciler:sweep:lock"
)

// PendingLister 待对账支付记录的查询，由repository.MySQLRepository实现
type PendingLister interface {
	ListStalePendingPayments(olderThan time.Duration, limit int) ([]*model.Payment, error)
}

// Verifier 拉取式核实路径，由payment.Service实现
type Verifier interface {
	VerifyAndCredit(ctx context.Context, reference string) (string, error)
}

// Reconciler 支付对账轮询器
// webhook可能丢失或迟到，轮询器周期性地把长时间pending的支付记录
// 送去verify路径补偿；每轮扫描通过分布式锁保证全集群只有一个实例执行
type Reconciler struct {
	repo        PendingLister
	payments    Verifier
	sweepLock   lock.Lock
	ticker      *time.Ticker
	stopChan    chan struct{}
	isCandidate bool // 标识该实例是否参与对账竞争
}

func NewReconciler(repo PendingLister, payments Verifier, sweepLock lock.Lock, isCandidate bool) *Reconciler {
	return &Reconciler{
		repo:        repo,
		payments:    payments,
		sweepLock:   sweepLock,
		stopChan:    make(chan struct{}),
		isCandidate: isCandidate,
	}
}

// Start 启动对账轮询
func (r *Reconciler) Start() {
	interval := config.AppConfig.Reconciler.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	r.ticker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-r.ticker.C:
				if r.isCandidate {
					r.sweepWithLock()
				}
			case <-r.stopChan:
				r.ticker.Stop()
				log.Println("支付对账轮询已停止")
				return
			}
		}
	}()
}

// Stop 停止对账轮询
func (r *Reconciler) Stop() {
	close(r.stopChan)
}

// sweepWithLock 竞争扫描锁，拿到锁的实例执行一轮对账
func (r *Reconciler) sweepWithLock() {
	acquired, err := r.sweepLock.AcquireLock(SweepLockName, config.AppConfig.Lock.Timeout)
	if err != nil {
		log.Printf("获取对账锁失败: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := r.sweepLock.ReleaseLock(SweepLockName); err != nil {
			log.Printf("释放对账锁失败: %v", err)
		}
	}()

	r.sweep()
}

// sweep 执行一轮对账：核实所有超龄的pending支付
func (r *Reconciler) sweep() {
	pendingAge := config.AppConfig.Reconciler.PendingAge
	batchSize := config.AppConfig.Reconciler.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	payments, err := r.repo.ListStalePendingPayments(pendingAge, batchSize)
	if err != nil {
		log.Printf("查询待对账支付记录失败: %v", err)
		return
	}
	if len(payments) == 0 {
		return
	}

	log.Printf("开始对账，待核实支付记录数: %d", len(payments))

	ctx := context.Background()
	for _, p := range payments {
		status, err := r.payments.VerifyAndCredit(ctx, p.Reference)
		if err != nil {
			log.Printf("核实交易 %s 失败: %v", p.Reference, err)
			continue
		}
		log.Printf("交易 %s 对账完成，支付方状态: %s", p.Reference, status)
	}
}
