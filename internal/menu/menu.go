package menu

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/lvdashuaibi/ussdvote/internal/model"
)

// USSD响应前缀：CON表示继续等待输入，END表示终止会话
const (
	prefixContinue = "CON "
	prefixEnd      = "END "
)

// 网关菜单编号到支付方移动货币渠道的映射
var networkChannels = map[string]string{
	"1": "mtn",
	"2": "atl",
	"3": "vod",
}

// SessionStore 会话存储，由session.Store实现
type SessionStore interface {
	Upsert(sess *model.VoteSession) error
	Get(sessionID string) (*model.VoteSession, error)
	SetVoteCount(sessionID string, count int) error
}

// Catalog 提名者/类别/活动目录的只读查询，由CRUD层拥有数据
type Catalog interface {
	NomineeByCode(code string) (*model.Nominee, error)
	CategoryByID(id int64) (*model.Category, error)
	EventByID(id int64) (*model.Event, error)
}

// PaymentInitiator 支付发起方，由payment.Service实现
type PaymentInitiator interface {
	InitiateUSSDCharge(ctx context.Context, sess *model.VoteSession, nominee *model.Nominee, channel, phoneNumber string) (string, error)
}

// Service USSD菜单状态机
// 网关每次请求都携带完整输入历史，状态机对分词后的输入做无状态分发，
// 不持久化任何"当前步骤"游标，会话数据只承载跨步内容（提名者、票数）
type Service struct {
	sessions SessionStore
	catalog  Catalog
	payments PaymentInitiator
}

func NewService(sessions SessionStore, catalog Catalog, payments PaymentInitiator) *Service {
	return &Service{
		sessions: sessions,
		catalog:  catalog,
		payments: payments,
	}
}

// Handle 处理一次USSD请求，text为网关累积的星号分隔输入
// 任何路径都返回合法的CON/END响应串，错误不向上抛
func (s *Service) Handle(ctx context.Context, sessionID, phoneNumber, text string) string {
	var tokens []string
	if text != "" {
		tokens = strings.Split(text, "*")
	}

	switch len(tokens) {
	case 0:
		return s.rootMenu()
	case 1:
		return s.handleRootChoice(tokens[0])
	case 2:
		return s.resolveNominee(sessionID, phoneNumber, tokens)
	case 3:
		return s.confirmProceed(tokens)
	case 4:
		return s.captureVoteCount(sessionID, tokens)
	case 5:
		return s.confirmPayment(tokens)
	case 6:
		return s.selectNetworkAndPay(ctx, sessionID, phoneNumber, tokens)
	default:
		return s.invalidInput(tokens)
	}
}

func (s *Service) rootMenu() string {
	return prefixContinue + "Welcome to Nominate Voting\n1. Vote\n2. eTicket\n3. Help"
}

func (s *Service) handleRootChoice(choice string) string {
	switch choice {
	case "1":
		return prefixContinue + "Enter nominee code"
	case "2":
		return prefixEnd + "Visit nominate.events/tickets to buy an eTicket for your event."
	case "3":
		return prefixEnd + "To vote, dial this code again, select Vote and enter your nominee code. Charges apply per vote."
	default:
		return prefixEnd + "Invalid input."
	}
}

// resolveNominee 第二步：解析提名者编码并创建会话
// 查询失败不创建任何记录；同一sessionId重入时更新已有会话而不是重复创建
func (s *Service) resolveNominee(sessionID, phoneNumber string, tokens []string) string {
	if tokens[0] != "1" {
		return s.invalidInput(tokens)
	}

	code := strings.ToUpper(strings.TrimSpace(tokens[1]))
	nominee, err := s.catalog.NomineeByCode(code)
	if err != nil {
		if errors.Is(err, model.ErrNomineeNotFound) {
			return prefixEnd + "Nominee not found. Please confirm the code and dial again."
		}
		log.Printf("查询提名者 %s 失败: %v", code, err)
		return prefixEnd + "Service unavailable. Please try again later."
	}

	category, err := s.catalog.CategoryByID(nominee.CategoryID)
	if err != nil {
		log.Printf("查询类别 %d 失败: %v", nominee.CategoryID, err)
		return prefixEnd + "Service unavailable. Please try again later."
	}

	event, err := s.catalog.EventByID(category.EventID)
	if err != nil {
		log.Printf("查询活动 %d 失败: %v", category.EventID, err)
		return prefixEnd + "Service unavailable. Please try again later."
	}

	sess := &model.VoteSession{
		SessionID:   sessionID,
		PhoneNumber: phoneNumber,
		EventID:     event.ID,
		NomineeCode: nominee.Code,
		VotePrice:   event.VotePrice,
	}
	if err := s.sessions.Upsert(sess); err != nil {
		log.Printf("保存会话 %s 失败: %v", sessionID, err)
		return prefixEnd + "Service unavailable. Please try again later."
	}

	return prefixContinue + fmt.Sprintf("You are voting for %s (%s)\n1. Proceed\n2. Cancel",
		nominee.Name, category.Name)
}

func (s *Service) confirmProceed(tokens []string) string {
	if tokens[0] != "1" {
		return s.invalidInput(tokens)
	}

	switch tokens[2] {
	case "1":
		return prefixContinue + "Enter number of votes"
	case "2":
		return prefixEnd + "Vote cancelled."
	default:
		return prefixEnd + "Invalid input."
	}
}

// captureVoteCount 第四步：解析票数并计算总价
func (s *Service) captureVoteCount(sessionID string, tokens []string) string {
	if tokens[0] != "1" || tokens[2] != "1" {
		return s.invalidInput(tokens)
	}

	count, err := strconv.Atoi(strings.TrimSpace(tokens[3]))
	if err != nil || count <= 0 {
		return prefixEnd + "Invalid number of votes. Please dial again."
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			return prefixEnd + "Session expired. Please dial again."
		}
		log.Printf("查询会话 %s 失败: %v", sessionID, err)
		return prefixEnd + "Service unavailable. Please try again later."
	}

	if err := s.sessions.SetVoteCount(sessionID, count); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			return prefixEnd + "Session expired. Please dial again."
		}
		log.Printf("更新会话 %s 票数失败: %v", sessionID, err)
		return prefixEnd + "Service unavailable. Please try again later."
	}

	total := float64(count) * sess.VotePrice
	return prefixContinue + fmt.Sprintf("Total cost is GHC %.2f\n1. Continue\n2. Cancel", total)
}

func (s *Service) confirmPayment(tokens []string) string {
	if tokens[0] != "1" || tokens[2] != "1" {
		return s.invalidInput(tokens)
	}

	switch tokens[4] {
	case "1":
		return prefixContinue + "Select payment network\n1. MTN\n2. AirtelTigo\n3. Vodafone"
	case "2":
		return prefixEnd + "Vote cancelled."
	default:
		return prefixEnd + "Invalid input."
	}
}

// selectNetworkAndPay 第六步：映射网络选择并发起支付
// 支付发起失败时不产生任何支付记录，会话保持可重试状态，用户可重新拨号
func (s *Service) selectNetworkAndPay(ctx context.Context, sessionID, phoneNumber string, tokens []string) string {
	if tokens[0] != "1" || tokens[2] != "1" || tokens[4] != "1" {
		return s.invalidInput(tokens)
	}

	channel, ok := networkChannels[strings.TrimSpace(tokens[5])]
	if !ok {
		return prefixEnd + "Invalid network selection."
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			return prefixEnd + "Session expired. Please dial again."
		}
		log.Printf("查询会话 %s 失败: %v", sessionID, err)
		return prefixEnd + "Service unavailable. Please try again later."
	}

	if sess.NomineeCode == "" || sess.VoteCount <= 0 {
		return prefixEnd + "Session expired. Please dial again."
	}

	// 参考号每个会话至多绑定一次，网关重放第六步时不得再次发起扣款
	if sess.PaymentStatus == model.SessionPaymentPaid {
		return prefixEnd + "Payment received. Your votes have been recorded."
	}
	if sess.PaymentReference != "" {
		return prefixEnd + "Your payment is already in progress. Approve the prompt sent to your phone."
	}

	nominee, err := s.catalog.NomineeByCode(sess.NomineeCode)
	if err != nil {
		log.Printf("查询提名者 %s 失败: %v", sess.NomineeCode, err)
		return prefixEnd + "Service unavailable. Please try again later."
	}

	instruction, err := s.payments.InitiateUSSDCharge(ctx, sess, nominee, channel, phoneNumber)
	if err != nil {
		log.Printf("会话 %s 发起支付失败: %v", sessionID, err)
		return prefixEnd + "Payment could not be initiated. Please try again later."
	}

	return prefixEnd + instruction
}

func (s *Service) invalidInput(tokens []string) string {
	log.Printf("无法识别的USSD输入序列: %v", tokens)
	return prefixEnd + "Invalid input."
}
