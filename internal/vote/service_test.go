package vote

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lvdashuaibi/ussdvote/internal/model"
)

// fakeRepo 用互斥锁模拟存储层唯一索引的抢占语义
type fakeRepo struct {
	mu       sync.Mutex
	payments map[string]*model.Payment
	credited map[string]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		payments: make(map[string]*model.Payment),
		credited: make(map[string]int),
	}
}

func (f *fakeRepo) PaymentByReference(reference string) (*model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[reference]
	if !ok {
		return nil, model.ErrPaymentNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakeRepo) CreditVotes(p *model.Payment) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.credited[p.Reference]; ok {
		// 唯一索引冲突，视为已计票
		return false, nil
	}
	f.credited[p.Reference] = p.VoteCount
	return true, nil
}

// fakePublisher 记录发出的计票事件
type fakePublisher struct {
	mu     sync.Mutex
	events []*model.VoteCreditedEvent
	err    error
}

func (f *fakePublisher) SendVoteCreditedEvent(ev *model.VoteCreditedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func seedPayment(repo *fakeRepo, reference string) {
	repo.payments[reference] = &model.Payment{
		Reference: reference,
		SessionID: "s1",
		EventID:   31,
		NomineeID: 11,
		VoteCount: 5,
		Status:    model.PaymentStatusPending,
	}
}

func TestCreditIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	publisher := &fakePublisher{}
	seedPayment(repo, "ref-1")

	svc := NewService(repo, publisher)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Credit(ctx, "ref-1"); err != nil {
			t.Fatalf("第 %d 次计票失败: %v", i+1, err)
		}
	}

	if got := repo.credited["ref-1"]; got != 5 {
		t.Fatalf("计票结果错误: %d", got)
	}
	if len(repo.credited) != 1 {
		t.Fatalf("同一参考号只应产生一条计票记录，实际: %d", len(repo.credited))
	}
	if publisher.count() != 1 {
		t.Fatalf("重复计票不应重复发事件，实际事件数: %d", publisher.count())
	}
}

// TestCreditConcurrent 模拟webhook与verify等多条路径同时报告同一笔交易
func TestCreditConcurrent(t *testing.T) {
	repo := newFakeRepo()
	publisher := &fakePublisher{}
	seedPayment(repo, "ref-1")

	svc := NewService(repo, publisher)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Credit(ctx, "ref-1"); err != nil {
				t.Errorf("并发计票失败: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(repo.credited) != 1 {
		t.Fatalf("并发下同一参考号只应计票一次，实际: %d", len(repo.credited))
	}
	if publisher.count() != 1 {
		t.Fatalf("并发下只应发一条事件，实际: %d", publisher.count())
	}
}

func TestCreditUnknownReference(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, &fakePublisher{})

	err := svc.Credit(context.Background(), "missing")
	if !errors.Is(err, model.ErrPaymentNotFound) {
		t.Fatalf("未知参考号应返回ErrPaymentNotFound: %v", err)
	}
}

// TestCreditRefusesFailedPayment 已是失败终态的支付不得产生计票记录
func TestCreditRefusesFailedPayment(t *testing.T) {
	repo := newFakeRepo()
	publisher := &fakePublisher{}
	repo.payments["ref-1"] = &model.Payment{
		Reference: "ref-1",
		NomineeID: 11,
		VoteCount: 5,
		Status:    model.PaymentStatusFailed,
	}

	svc := NewService(repo, publisher)

	if err := svc.Credit(context.Background(), "ref-1"); err == nil {
		t.Fatalf("失败终态的支付应拒绝计票")
	}
	if len(repo.credited) != 0 {
		t.Fatalf("失败终态的支付不应产生计票记录")
	}
	if publisher.count() != 0 {
		t.Fatalf("失败终态的支付不应发事件")
	}
}

func TestCreditPublishFailureIsNonFatal(t *testing.T) {
	repo := newFakeRepo()
	publisher := &fakePublisher{err: errors.New("kafka不可用")}
	seedPayment(repo, "ref-1")

	svc := NewService(repo, publisher)

	if err := svc.Credit(context.Background(), "ref-1"); err != nil {
		t.Fatalf("事件发送失败不应影响计票结果: %v", err)
	}
	if len(repo.credited) != 1 {
		t.Fatalf("计票记录缺失")
	}
}
