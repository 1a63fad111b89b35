package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/lvdashuaibi/ussdvote/internal/model"
	"github.com/lvdashuaibi/ussdvote/internal/paystack"
)

// fakeProvider 可编程的支付方替身
type fakeProvider struct {
	chargeData *paystack.ChargeData
	chargeErr  error
	verifyData *paystack.VerifyData
	verifyErr  error
	otpData    *paystack.ChargeData

	chargeReqs []*paystack.ChargeRequest
}

func (f *fakeProvider) Charge(ctx context.Context, req *paystack.ChargeRequest) (*paystack.ChargeData, error) {
	f.chargeReqs = append(f.chargeReqs, req)
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return f.chargeData, nil
}

func (f *fakeProvider) SubmitOTP(ctx context.Context, reference, otp string) (*paystack.ChargeData, error) {
	return f.otpData, nil
}

func (f *fakeProvider) Verify(ctx context.Context, reference string) (*paystack.VerifyData, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verifyData, nil
}

// fakePayments 内存支付记录存储
type fakePayments struct {
	records map[string]*model.Payment
}

func newFakePayments() *fakePayments {
	return &fakePayments{records: make(map[string]*model.Payment)}
}

func (f *fakePayments) CreatePayment(p *model.Payment) error {
	copied := *p
	f.records[p.Reference] = &copied
	return nil
}

func (f *fakePayments) PaymentByReference(reference string) (*model.Payment, error) {
	p, ok := f.records[reference]
	if !ok {
		return nil, model.ErrPaymentNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakePayments) MarkPaymentFailed(reference string) (bool, error) {
	p, ok := f.records[reference]
	if !ok {
		return false, model.ErrPaymentNotFound
	}
	if p.Status != model.PaymentStatusPending {
		return false, nil
	}
	p.Status = model.PaymentStatusFailed
	return true, nil
}

// fakeSessions 记录会话状态变更调用
type fakeSessions struct {
	initiated map[string]string
	paid      []string
	failed    []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{initiated: make(map[string]string)}
}

func (f *fakeSessions) MarkPaymentInitiated(sessionID, reference string) error {
	f.initiated[sessionID] = reference
	return nil
}

func (f *fakeSessions) MarkPaid(sessionID string) error {
	f.paid = append(f.paid, sessionID)
	return nil
}

func (f *fakeSessions) MarkFailed(sessionID string) error {
	f.failed = append(f.failed, sessionID)
	return nil
}

// fakeCrediter 记录计票调用
type fakeCrediter struct {
	refs []string
	err  error
}

func (f *fakeCrediter) Credit(ctx context.Context, reference string) error {
	f.refs = append(f.refs, reference)
	return f.err
}

func testSession() *model.VoteSession {
	return &model.VoteSession{
		SessionID:   "s1",
		PhoneNumber: "233200000001",
		EventID:     31,
		NomineeCode: "N001",
		VotePrice:   2.00,
		VoteCount:   5,
	}
}

func testNominee() *model.Nominee {
	return &model.Nominee{ID: 11, Code: "N001", Name: "Ama Serwaa", CategoryID: 21}
}

func TestInitiateUSSDChargeSuccess(t *testing.T) {
	provider := &fakeProvider{
		chargeData: &paystack.ChargeData{
			Status:      paystack.ChargeStatusPayOffline,
			DisplayText: "Approve the prompt on your phone",
		},
	}
	payments := newFakePayments()
	sessions := newFakeSessions()
	crediter := &fakeCrediter{}

	svc := NewService(provider, payments, sessions, crediter)

	instruction, err := svc.InitiateUSSDCharge(context.Background(), testSession(), testNominee(), "mtn", "233200000001")
	if err != nil {
		t.Fatalf("发起扣款失败: %v", err)
	}
	if instruction != "Approve the prompt on your phone" {
		t.Fatalf("指引文本错误: %q", instruction)
	}

	// 支付方请求内容
	if len(provider.chargeReqs) != 1 {
		t.Fatalf("应只调用一次charge")
	}
	req := provider.chargeReqs[0]
	if req.Amount != 1000 {
		t.Fatalf("金额应为最小货币单位1000，实际: %d", req.Amount)
	}
	if req.MobileMoney.Provider != "mtn" || req.MobileMoney.Phone != "233200000001" {
		t.Fatalf("移动货币参数错误: %+v", req.MobileMoney)
	}
	if req.Metadata.SessionID != "s1" || req.Metadata.NomineeID != 11 || req.Metadata.VoteCount != 5 {
		t.Fatalf("metadata错误: %+v", req.Metadata)
	}
	if req.Reference == "" {
		t.Fatalf("参考号不应为空")
	}

	// 本地支付记录与会话绑定都必须在返回前写完
	p, err := payments.PaymentByReference(req.Reference)
	if err != nil {
		t.Fatalf("支付记录未创建: %v", err)
	}
	if p.Status != model.PaymentStatusPending || p.Amount != 10.00 || p.VoteCount != 5 {
		t.Fatalf("支付记录内容错误: %+v", p)
	}
	if sessions.initiated["s1"] != req.Reference {
		t.Fatalf("会话未绑定参考号: %+v", sessions.initiated)
	}

	// pay_offline不应触发计票
	if len(crediter.refs) != 0 {
		t.Fatalf("异步扣款不应同步计票")
	}
}

func TestInitiateUSSDChargeProviderFailure(t *testing.T) {
	provider := &fakeProvider{chargeErr: errors.New("provider unreachable")}
	payments := newFakePayments()
	sessions := newFakeSessions()

	svc := NewService(provider, payments, sessions, &fakeCrediter{})

	_, err := svc.InitiateUSSDCharge(context.Background(), testSession(), testNominee(), "mtn", "233200000001")
	if err == nil {
		t.Fatalf("支付方失败应返回错误")
	}

	// 失败时不落任何记录，会话可重试
	if len(payments.records) != 0 {
		t.Fatalf("支付方失败不应创建支付记录")
	}
	if len(sessions.initiated) != 0 {
		t.Fatalf("支付方失败不应绑定会话")
	}
}

func TestInitiateUSSDChargeSynchronousSuccess(t *testing.T) {
	provider := &fakeProvider{
		chargeData: &paystack.ChargeData{Status: paystack.ChargeStatusSuccess},
	}
	payments := newFakePayments()
	crediter := &fakeCrediter{}

	svc := NewService(provider, payments, newFakeSessions(), crediter)

	if _, err := svc.InitiateUSSDCharge(context.Background(), testSession(), testNominee(), "mtn", "233200000001"); err != nil {
		t.Fatalf("发起扣款失败: %v", err)
	}

	// 同步成功同样汇聚到计票引擎
	if len(crediter.refs) != 1 {
		t.Fatalf("同步成功应触发一次计票，实际: %d", len(crediter.refs))
	}
}

// TestInitiateUSSDChargeAlreadyInitiated 已绑定参考号的会话重复发起不得再次调用支付方
func TestInitiateUSSDChargeAlreadyInitiated(t *testing.T) {
	provider := &fakeProvider{}
	payments := newFakePayments()
	sessions := newFakeSessions()

	svc := NewService(provider, payments, sessions, &fakeCrediter{})

	sess := testSession()
	sess.PaymentReference = "ref-bound"
	sess.PaymentStatus = model.SessionPaymentPending

	instruction, err := svc.InitiateUSSDCharge(context.Background(), sess, testNominee(), "mtn", "233200000001")
	if err != nil {
		t.Fatalf("重复发起应幂等返回: %v", err)
	}
	if instruction == "" {
		t.Fatalf("重复发起应返回指引文本")
	}
	if len(provider.chargeReqs) != 0 {
		t.Fatalf("重复发起不应调用支付方")
	}
	if len(payments.records) != 0 {
		t.Fatalf("重复发起不应创建支付记录")
	}
	if len(sessions.initiated) != 0 {
		t.Fatalf("重复发起不应改写会话绑定")
	}
}

func TestInitiateUSSDChargeIncompleteSession(t *testing.T) {
	svc := NewService(&fakeProvider{}, newFakePayments(), newFakeSessions(), &fakeCrediter{})

	sess := testSession()
	sess.VoteCount = 0

	if _, err := svc.InitiateUSSDCharge(context.Background(), sess, testNominee(), "mtn", "233200000001"); err == nil {
		t.Fatalf("不完整会话应拒绝发起支付")
	}
}

func TestProcessWebhookCredits(t *testing.T) {
	payments := newFakePayments()
	payments.CreatePayment(&model.Payment{
		Reference: "ref-1",
		SessionID: "s1",
		Status:    model.PaymentStatusPending,
	})
	sessions := newFakeSessions()
	crediter := &fakeCrediter{}

	svc := NewService(&fakeProvider{}, payments, sessions, crediter)

	ev := &WebhookEvent{
		Event: EventChargeSuccess,
		Data:  WebhookData{Reference: "ref-1", Metadata: paystack.Metadata{SessionID: "s1"}},
	}
	if err := svc.ProcessWebhook(context.Background(), ev); err != nil {
		t.Fatalf("处理回调失败: %v", err)
	}

	if len(sessions.paid) != 1 || sessions.paid[0] != "s1" {
		t.Fatalf("会话未标记已支付: %+v", sessions.paid)
	}
	if len(crediter.refs) != 1 || crediter.refs[0] != "ref-1" {
		t.Fatalf("计票调用错误: %+v", crediter.refs)
	}
}

func TestProcessWebhookIgnoresOtherEvents(t *testing.T) {
	crediter := &fakeCrediter{}
	svc := NewService(&fakeProvider{}, newFakePayments(), newFakeSessions(), crediter)

	ev := &WebhookEvent{Event: EventChargeFailed, Data: WebhookData{Reference: "ref-1"}}
	if err := svc.ProcessWebhook(context.Background(), ev); err != nil {
		t.Fatalf("非成功事件应直接确认: %v", err)
	}
	if len(crediter.refs) != 0 {
		t.Fatalf("非成功事件不应计票")
	}
}

func TestProcessWebhookUnknownReference(t *testing.T) {
	svc := NewService(&fakeProvider{}, newFakePayments(), newFakeSessions(), &fakeCrediter{})

	ev := &WebhookEvent{Event: EventChargeSuccess, Data: WebhookData{Reference: "missing"}}
	err := svc.ProcessWebhook(context.Background(), ev)
	if !errors.Is(err, model.ErrPaymentNotFound) {
		t.Fatalf("未知参考号应返回ErrPaymentNotFound: %v", err)
	}
}

// TestProcessWebhookRefusesFailedPayment 迟到的成功回调不得改写已失败的本地终态
func TestProcessWebhookRefusesFailedPayment(t *testing.T) {
	payments := newFakePayments()
	payments.CreatePayment(&model.Payment{
		Reference: "ref-1",
		SessionID: "s1",
		Status:    model.PaymentStatusFailed,
	})
	sessions := newFakeSessions()
	crediter := &fakeCrediter{}

	svc := NewService(&fakeProvider{}, payments, sessions, crediter)

	ev := &WebhookEvent{
		Event: EventChargeSuccess,
		Data:  WebhookData{Reference: "ref-1", Metadata: paystack.Metadata{SessionID: "s1"}},
	}
	if err := svc.ProcessWebhook(context.Background(), ev); err == nil {
		t.Fatalf("失败终态撞上成功回调应返回错误")
	}
	if len(sessions.paid) != 0 {
		t.Fatalf("失败支付不应标记会话已支付")
	}
	if len(crediter.refs) != 0 {
		t.Fatalf("失败支付不应计票")
	}
}

func TestVerifyAndCreditSuccess(t *testing.T) {
	provider := &fakeProvider{
		verifyData: &paystack.VerifyData{Status: paystack.ChargeStatusSuccess, Reference: "ref-1"},
	}
	payments := newFakePayments()
	payments.CreatePayment(&model.Payment{
		Reference: "ref-1",
		SessionID: "s1",
		Status:    model.PaymentStatusPending,
	})
	sessions := newFakeSessions()
	crediter := &fakeCrediter{}

	svc := NewService(provider, payments, sessions, crediter)

	status, err := svc.VerifyAndCredit(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("verify失败: %v", err)
	}
	if status != paystack.ChargeStatusSuccess {
		t.Fatalf("状态错误: %s", status)
	}
	if len(sessions.paid) != 1 {
		t.Fatalf("会话未标记已支付")
	}
	if len(crediter.refs) != 1 {
		t.Fatalf("计票未触发")
	}
}

func TestVerifyAndCreditFailed(t *testing.T) {
	provider := &fakeProvider{
		verifyData: &paystack.VerifyData{Status: paystack.ChargeStatusFailed, Reference: "ref-1"},
	}
	payments := newFakePayments()
	payments.CreatePayment(&model.Payment{
		Reference: "ref-1",
		SessionID: "s1",
		Status:    model.PaymentStatusPending,
	})
	sessions := newFakeSessions()
	crediter := &fakeCrediter{}

	svc := NewService(provider, payments, sessions, crediter)

	status, err := svc.VerifyAndCredit(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("verify失败: %v", err)
	}
	if status != paystack.ChargeStatusFailed {
		t.Fatalf("状态错误: %s", status)
	}

	p, _ := payments.PaymentByReference("ref-1")
	if p.Status != model.PaymentStatusFailed {
		t.Fatalf("支付记录未标记失败: %+v", p)
	}
	if len(sessions.failed) != 1 {
		t.Fatalf("会话未标记失败")
	}
	if len(crediter.refs) != 0 {
		t.Fatalf("失败交易不应计票")
	}
}

func TestVerifyAndCreditPending(t *testing.T) {
	provider := &fakeProvider{
		verifyData: &paystack.VerifyData{Status: "ongoing", Reference: "ref-1"},
	}
	crediter := &fakeCrediter{}

	svc := NewService(provider, newFakePayments(), newFakeSessions(), crediter)

	status, err := svc.VerifyAndCredit(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("verify失败: %v", err)
	}
	if status != "ongoing" {
		t.Fatalf("处理中状态应原样返回: %s", status)
	}
	if len(crediter.refs) != 0 {
		t.Fatalf("处理中交易不应计票")
	}
}
