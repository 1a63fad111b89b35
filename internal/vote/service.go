package vote

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lvdashuaibi/ussdvote/internal/model"
)

// Repository 计票所需的存储操作，由repository.MySQLRepository实现
type Repository interface {
	PaymentByReference(reference string) (*model.Payment, error)
	CreditVotes(p *model.Payment) (bool, error)
}

// EventPublisher 计票完成事件发布，由kafka.Producer实现
type EventPublisher interface {
	SendVoteCreditedEvent(ev *model.VoteCreditedEvent) error
}

// Service 计票引擎，全系统唯一允许创建计票记录的组件
// webhook、verify、同步成功三条完成路径都汇聚到Credit，
// 幂等性由存储层votes表payment_reference唯一索引保证，不依赖任何进程内锁
type Service struct {
	repo     Repository
	producer EventPublisher
}

func NewService(repo Repository, producer EventPublisher) *Service {
	return &Service{
		repo:     repo,
		producer: producer,
	}
}

// Credit 为一笔已确认成功的交易计票
// 同一参考号无论被报告多少次、经由多少条路径，计票副作用只发生一次；
// 重复调用返回成功且不产生新记录
func (s *Service) Credit(ctx context.Context, reference string) error {
	p, err := s.repo.PaymentByReference(reference)
	if err != nil {
		return fmt.Errorf("查询支付记录 %s 失败: %w", reference, err)
	}

	// 已标记失败的支付不再计票，支付方报告的成功与本地终态不一致时需人工核对
	if p.Status == model.PaymentStatusFailed {
		return fmt.Errorf("交易 %s 已是失败终态，拒绝计票", reference)
	}

	created, err := s.repo.CreditVotes(p)
	if err != nil {
		return fmt.Errorf("交易 %s 计票失败: %w", reference, err)
	}
	if !created {
		// 该交易已计票，幂等返回
		return nil
	}

	log.Printf("交易 %s 计票成功: 提名者=%d, 票数=%d", reference, p.NomineeID, p.VoteCount)

	if s.producer != nil {
		ev := &model.VoteCreditedEvent{
			Reference:  reference,
			NomineeID:  p.NomineeID,
			EventID:    p.EventID,
			VoteCount:  p.VoteCount,
			CreditedAt: time.Now(),
		}
		if err := s.producer.SendVoteCreditedEvent(ev); err != nil {
			// 事件只用于缓存失效，发送失败不影响计票结果
			log.Printf("发送计票事件失败: %v", err)
		}
	}

	return nil
}
