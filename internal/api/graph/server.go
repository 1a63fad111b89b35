package graph

import (
	"context"
	"net/http"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/ussdvote/internal/model"
	"github.com/lvdashuaibi/ussdvote/internal/vote"
)

// 结果查询GraphQL Schema定义
const schemaString = `
type NomineeTally {
  nomineeId: Int!
  eventId: Int!
  code: String!
  name: String!
  votes: Int!
}

type PaymentStatus {
  reference: String!
  status: String!
  amount: Float!
  voteCount: Int!
  source: String!
}

type Query {
  # 查询提名者累计得票
  nomineeTally(code: String!): NomineeTally!

  # 查询活动下各提名者得票
  eventResults(eventId: Int!): [NomineeTally!]!

  # 按参考号查询支付状态
  paymentStatus(reference: String!): PaymentStatus!
}

schema {
  query: Query
}
`

// PaymentReader 支付记录只读查询
type PaymentReader interface {
	PaymentByReference(reference string) (*model.Payment, error)
}

// NewHandler 创建结果查询GraphQL处理器，由gin挂载
func NewHandler(tally *vote.TallyService, payments PaymentReader) http.Handler {
	resolver := NewResolver(tally, payments)

	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)

	return &relay.Handler{Schema: schema}
}

// Resolver GraphQL解析器
type Resolver struct {
	tally    *vote.TallyService
	payments PaymentReader
}

func NewResolver(tally *vote.TallyService, payments PaymentReader) *Resolver {
	return &Resolver{
		tally:    tally,
		payments: payments,
	}
}

// NomineeTally 查询提名者累计得票
func (r *Resolver) NomineeTally(ctx context.Context, args struct{ Code string }) (*NomineeTallyResolver, error) {
	tally, err := r.tally.NomineeTally(args.Code)
	if err != nil {
		return nil, err
	}

	return &NomineeTallyResolver{tally: tally}, nil
}

// EventResults 查询活动下各提名者得票
func (r *Resolver) EventResults(ctx context.Context, args struct{ EventID int32 }) ([]*NomineeTallyResolver, error) {
	tallies, err := r.tally.EventResults(int64(args.EventID))
	if err != nil {
		return nil, err
	}

	resolvers := make([]*NomineeTallyResolver, len(tallies))
	for i, tally := range tallies {
		resolvers[i] = &NomineeTallyResolver{tally: tally}
	}

	return resolvers, nil
}

// PaymentStatus 按参考号查询支付状态
func (r *Resolver) PaymentStatus(ctx context.Context, args struct{ Reference string }) (*PaymentStatusResolver, error) {
	p, err := r.payments.PaymentByReference(args.Reference)
	if err != nil {
		return nil, err
	}

	return &PaymentStatusResolver{payment: p}, nil
}

// NomineeTallyResolver 得票汇总解析器
type NomineeTallyResolver struct {
	tally *model.NomineeTally
}

func (r *NomineeTallyResolver) NomineeID() int32 {
	return int32(r.tally.NomineeID)
}

func (r *NomineeTallyResolver) EventID() int32 {
	return int32(r.tally.EventID)
}

func (r *NomineeTallyResolver) Code() string {
	return r.tally.Code
}

func (r *NomineeTallyResolver) Name() string {
	return r.tally.Name
}

func (r *NomineeTallyResolver) Votes() int32 {
	return int32(r.tally.Votes)
}

// PaymentStatusResolver 支付状态解析器
type PaymentStatusResolver struct {
	payment *model.Payment
}

func (r *PaymentStatusResolver) Reference() string {
	return r.payment.Reference
}

func (r *PaymentStatusResolver) Status() string {
	return r.payment.Status
}

func (r *PaymentStatusResolver) Amount() float64 {
	return r.payment.Amount
}

func (r *PaymentStatusResolver) VoteCount() int32 {
	return int32(r.payment.VoteCount)
}

func (r *PaymentStatusResolver) Source() string {
	return r.payment.Source
}
