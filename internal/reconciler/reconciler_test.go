package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lvdashuaibi/ussdvote/internal/model"
)

// fakeLister 返回预置的待对账支付记录
type fakeLister struct {
	payments []*model.Payment
	err      error
}

func (f *fakeLister) ListStalePendingPayments(olderThan time.Duration, limit int) ([]*model.Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.payments, nil
}

// fakeVerifier 记录核实调用
type fakeVerifier struct {
	refs []string
	errs map[string]error
}

func (f *fakeVerifier) VerifyAndCredit(ctx context.Context, reference string) (string, error) {
	f.refs = append(f.refs, reference)
	if err, ok := f.errs[reference]; ok {
		return "", err
	}
	return "success", nil
}

// fakeLock 记录锁竞争
type fakeLock struct {
	acquired bool
	acquires int
	releases int
}

func (f *fakeLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	f.acquires++
	return f.acquired, nil
}

func (f *fakeLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeLock) ReleaseLock(lockName string) error { f.releases++; return nil }
func (f *fakeLock) ReleaseAllLocks()                  {}
func (f *fakeLock) Close() error                      { return nil }

func TestSweepVerifiesAllStalePayments(t *testing.T) {
	lister := &fakeLister{payments: []*model.Payment{
		{Reference: "ref-1"},
		{Reference: "ref-2"},
		{Reference: "ref-3"},
	}}
	verifier := &fakeVerifier{}

	r := NewReconciler(lister, verifier, &fakeLock{acquired: true}, true)
	r.sweep()

	if len(verifier.refs) != 3 {
		t.Fatalf("应核实全部3笔支付，实际: %d", len(verifier.refs))
	}
}

// TestSweepContinuesAfterVerifyFailure 单笔核实失败不应中断整轮对账
func TestSweepContinuesAfterVerifyFailure(t *testing.T) {
	lister := &fakeLister{payments: []*model.Payment{
		{Reference: "ref-1"},
		{Reference: "ref-2"},
	}}
	verifier := &fakeVerifier{errs: map[string]error{"ref-1": errors.New("provider unreachable")}}

	r := NewReconciler(lister, verifier, &fakeLock{acquired: true}, true)
	r.sweep()

	if len(verifier.refs) != 2 {
		t.Fatalf("失败后应继续核实剩余支付，实际: %d", len(verifier.refs))
	}
}

func TestSweepWithLockSkipsWhenNotAcquired(t *testing.T) {
	lister := &fakeLister{payments: []*model.Payment{{Reference: "ref-1"}}}
	verifier := &fakeVerifier{}
	lk := &fakeLock{acquired: false}

	r := NewReconciler(lister, verifier, lk, true)
	r.sweepWithLock()

	if len(verifier.refs) != 0 {
		t.Fatalf("未拿到锁不应执行对账")
	}
	if lk.releases != 0 {
		t.Fatalf("未拿到锁不应释放锁")
	}
}

func TestSweepWithLockReleasesAfterSweep(t *testing.T) {
	lister := &fakeLister{}
	verifier := &fakeVerifier{}
	lk := &fakeLock{acquired: true}

	r := NewReconciler(lister, verifier, lk, true)
	r.sweepWithLock()

	if lk.acquires != 1 || lk.releases != 1 {
		t.Fatalf("锁应获取并释放各一次: acquires=%d releases=%d", lk.acquires, lk.releases)
	}
}
