package payment

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/ussdvote/config"
	"github.com/lvdashuaibi/ussdvote/internal/model"
	"github.com/lvdashuaibi/ussdvote/internal/paystack"
)

// Repository 支付记录存储，由repository.MySQLRepository实现
type Repository interface {
	CreatePayment(p *model.Payment) error
	PaymentByReference(reference string) (*model.Payment, error)
	MarkPaymentFailed(reference string) (bool, error)
}

// SessionMarker 会话支付状态变更，由session.Store实现
type SessionMarker interface {
	MarkPaymentInitiated(sessionID, reference string) error
	MarkPaid(sessionID string) error
	MarkFailed(sessionID string) error
}

// Crediter 计票引擎，由vote.Service实现
// 支付完成事实无论从哪条路径到达，都必须汇聚到这一个幂等原语
type Crediter interface {
	Credit(ctx context.Context, reference string) error
}

// Provider 支付方接口，由paystack.Client实现
type Provider interface {
	Charge(ctx context.Context, req *paystack.ChargeRequest) (*paystack.ChargeData, error)
	SubmitOTP(ctx context.Context, reference, otp string) (*paystack.ChargeData, error)
	Verify(ctx context.Context, reference string) (*paystack.VerifyData, error)
}

// Service 支付发起与对账服务
type Service struct {
	provider Provider
	payments Repository
	sessions SessionMarker
	votes    Crediter
}

func NewService(provider Provider, payments Repository, sessions SessionMarker, votes Crediter) *Service {
	return &Service{
		provider: provider,
		payments: payments,
		sessions: sessions,
		votes:    votes,
	}
}

// InitiateUSSDCharge 为USSD会话发起扣款
// 支付方调用失败时不落任何记录，会话保持未发起状态以便用户重拨重试；
// 调用成功后支付记录与会话更新都写完才返回
func (s *Service) InitiateUSSDCharge(ctx context.Context, sess *model.VoteSession, nominee *model.Nominee, channel, phoneNumber string) (string, error) {
	if sess.NomineeCode == "" || sess.VoteCount <= 0 {
		return "", fmt.Errorf("会话 %s 数据不完整，无法发起支付", sess.SessionID)
	}

	// 会话只允许绑定一个支付参考号，已绑定时直接返回，不再调用支付方
	if sess.PaymentReference != "" {
		log.Printf("会话 %s 已绑定支付参考号 %s，忽略重复发起", sess.SessionID, sess.PaymentReference)
		return "Your payment is already in progress. Approve the prompt sent to your phone.", nil
	}

	total := float64(sess.VoteCount) * sess.VotePrice
	reference := uuid.NewString()

	// 金额以最小货币单位传给支付方，本地支付记录存主单位金额
	data, err := s.provider.Charge(ctx, &paystack.ChargeRequest{
		Amount:    int64(math.Round(total * 100)),
		Currency:  config.AppConfig.Paystack.Currency,
		Email:     phoneNumber + "@ussd.nominate.events",
		Reference: reference,
		MobileMoney: paystack.MobileMoney{
			Phone:    phoneNumber,
			Provider: channel,
		},
		Metadata: paystack.Metadata{
			SessionID: sess.SessionID,
			EventID:   sess.EventID,
			NomineeID: nominee.ID,
			VoteCount: sess.VoteCount,
			Source:    model.PaymentSourceUSSD,
		},
	})
	if err != nil {
		return "", fmt.Errorf("发起扣款失败: %w", err)
	}

	if data.Reference != "" {
		reference = data.Reference
	}

	p := &model.Payment{
		Reference:   reference,
		SessionID:   sess.SessionID,
		EventID:     sess.EventID,
		NomineeID:   nominee.ID,
		CategoryID:  nominee.CategoryID,
		PhoneNumber: phoneNumber,
		Amount:      total,
		VoteCount:   sess.VoteCount,
		Status:      model.PaymentStatusPending,
		Source:      model.PaymentSourceUSSD,
	}
	if err := s.payments.CreatePayment(p); err != nil {
		return "", fmt.Errorf("创建支付记录失败: %w", err)
	}

	if err := s.sessions.MarkPaymentInitiated(sess.SessionID, reference); err != nil {
		return "", fmt.Errorf("绑定会话支付参考号失败: %w", err)
	}

	instruction := s.instructionFor(data)

	// 同步完成的扣款同样走计票引擎，保证全系统只有一条计票路径
	if data.Status == paystack.ChargeStatusSuccess {
		if err := s.votes.Credit(ctx, reference); err != nil {
			log.Printf("同步扣款 %s 计票失败，等待webhook或对账补偿: %v", reference, err)
		}
	}

	return instruction, nil
}

// instructionFor 将支付方即时响应翻译为面向用户的指引文本
func (s *Service) instructionFor(data *paystack.ChargeData) string {
	if data.DisplayText != "" {
		return data.DisplayText
	}

	switch data.Status {
	case paystack.ChargeStatusPayOffline:
		return "Approve the payment prompt sent to your phone to complete your vote."
	case paystack.ChargeStatusSendOTP:
		return "Enter the OTP sent to your phone to complete the payment."
	case paystack.ChargeStatusSuccess:
		return "Payment received. Your votes have been recorded."
	default:
		return "Your payment is being processed. You will receive a confirmation shortly."
	}
}

// SubmitOTP 把用户回传的OTP转发给支付方，本服务不因此改写任何状态
// 支付终态仍然只经由webhook或verify路径到达
func (s *Service) SubmitOTP(ctx context.Context, reference, otp string) (string, error) {
	data, err := s.provider.SubmitOTP(ctx, reference, otp)
	if err != nil {
		return "", fmt.Errorf("提交OTP失败: %w", err)
	}

	if data.DisplayText != "" {
		return data.DisplayText, nil
	}
	return data.Status, nil
}

// ProcessWebhook 处理已验签的回调事件
// charge.success之外的事件直接确认不改状态；参考号找不到支付记录时
// 返回model.ErrPaymentNotFound，由HTTP层映射为错误状态码让支付方稍后重试
func (s *Service) ProcessWebhook(ctx context.Context, ev *WebhookEvent) error {
	if ev.Event != EventChargeSuccess {
		log.Printf("忽略回调事件: %s", ev.Event)
		return nil
	}

	p, err := s.payments.PaymentByReference(ev.Data.Reference)
	if err != nil {
		return err
	}

	// 迟到的成功回调撞上已失败的本地终态，不改写会话也不计票
	if p.Status == model.PaymentStatusFailed {
		return fmt.Errorf("交易 %s 本地已是失败终态，与回调状态不一致", p.Reference)
	}

	sessionID := ev.Data.Metadata.SessionID
	if sessionID == "" {
		sessionID = p.SessionID
	}
	if sessionID != "" {
		if err := s.sessions.MarkPaid(sessionID); err != nil {
			log.Printf("更新会话 %s 为已支付失败: %v", sessionID, err)
		}
	}

	return s.votes.Credit(ctx, p.Reference)
}

// VerifyAndCredit 主动向支付方核实交易终态，webhook的拉取式兜底
// 返回支付方报告的状态；success与webhook路径汇聚到同一个计票原语
func (s *Service) VerifyAndCredit(ctx context.Context, reference string) (string, error) {
	data, err := s.provider.Verify(ctx, reference)
	if err != nil {
		return "", fmt.Errorf("核实交易 %s 失败: %w", reference, err)
	}

	switch data.Status {
	case paystack.ChargeStatusSuccess:
		p, err := s.payments.PaymentByReference(reference)
		if err != nil {
			return "", err
		}
		if p.Status == model.PaymentStatusFailed {
			return "", fmt.Errorf("交易 %s 本地已是失败终态，与支付方状态不一致", reference)
		}
		if p.SessionID != "" {
			if err := s.sessions.MarkPaid(p.SessionID); err != nil {
				log.Printf("更新会话 %s 为已支付失败: %v", p.SessionID, err)
			}
		}
		if err := s.votes.Credit(ctx, reference); err != nil {
			return "", err
		}
		return data.Status, nil

	case paystack.ChargeStatusFailed, paystack.ChargeStatusAbandoned:
		moved, err := s.payments.MarkPaymentFailed(reference)
		if err != nil {
			return "", err
		}
		if moved {
			p, err := s.payments.PaymentByReference(reference)
			if err == nil && p.SessionID != "" {
				if err := s.sessions.MarkFailed(p.SessionID); err != nil {
					log.Printf("更新会话 %s 为支付失败状态失败: %v", p.SessionID, err)
				}
			}
		}
		return data.Status, nil

	default:
		// 仍在处理中，留给下一轮对账或webhook
		return data.Status, nil
	}
}
