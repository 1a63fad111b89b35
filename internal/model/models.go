package model

import (
	"errors"
	"time"
)

// 领域哨兵错误，供各层通过 errors.Is 区分"未找到"与基础设施错误
var (
	ErrSessionNotFound  = errors.New("投票会话不存在")
	ErrNomineeNotFound  = errors.New("提名者不存在")
	ErrCategoryNotFound = errors.New("类别不存在")
	ErrEventNotFound    = errors.New("活动不存在")
	ErrPaymentNotFound  = errors.New("支付记录不存在")
)

// 会话支付状态
const (
	SessionPaymentUnset   = ""
	SessionPaymentPending = "pending"
	SessionPaymentPaid    = "paid"
	SessionPaymentFailed  = "failed"
)

// 支付状态
const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// 支付来源
const (
	PaymentSourceUSSD = "ussd"
	PaymentSourceApp  = "app"
)

// VoteSession USSD投票会话，以网关下发的sessionId为主键
type VoteSession struct {
	SessionID        string    `json:"sessionId"`
	PhoneNumber      string    `json:"phoneNumber"`
	EventID          int64     `json:"eventId"`
	NomineeCode      string    `json:"nomineeCode"`
	VotePrice        float64   `json:"votePrice"`
	VoteCount        int       `json:"voteCount"`
	PaymentReference string    `json:"paymentReference"`
	PaymentStatus    string    `json:"paymentStatus"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Payment 支付记录，以支付方参考号为唯一键
type Payment struct {
	Reference   string    `json:"reference"`
	SessionID   string    `json:"sessionId"`
	EventID     int64     `json:"eventId"`
	NomineeID   int64     `json:"nomineeId"`
	CategoryID  int64     `json:"categoryId"`
	PhoneNumber string    `json:"phoneNumber"`
	Amount      float64   `json:"amount"`
	VoteCount   int       `json:"voteCount"`
	Status      string    `json:"status"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Vote 计票记录，一笔交易对应一行，payment_reference列带唯一索引
type Vote struct {
	ID         int64     `json:"id"`
	NomineeID  int64     `json:"nomineeId"`
	CategoryID int64     `json:"categoryId"`
	EventID    int64     `json:"eventId"`
	Reference  string    `json:"reference"`
	VoteCount  int       `json:"voteCount"`
	Amount     float64   `json:"amount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Nominee 提名者（只读目录数据）
type Nominee struct {
	ID         int64  `json:"id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
	CategoryID int64  `json:"categoryId"`
}

// Category 类别（只读目录数据）
type Category struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	EventID int64  `json:"eventId"`
}

// Event 活动（只读目录数据）
type Event struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	VotePrice float64 `json:"votePrice"`
}

// NomineeTally 提名者得票汇总
type NomineeTally struct {
	NomineeID int64  `json:"nomineeId"`
	EventID   int64  `json:"eventId"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Votes     int    `json:"votes"`
}

// VoteCreditedEvent Kafka计票完成事件
type VoteCreditedEvent struct {
	Reference  string    `json:"reference"`
	NomineeID  int64     `json:"nomineeId"`
	EventID    int64     `json:"eventId"`
	VoteCount  int       `json:"voteCount"`
	CreditedAt time.Time `json:"creditedAt"`
}
