package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lvdashuaibi/ussdvote/config"
)

// 支付方charge接口的即时响应状态
const (
	ChargeStatusPayOffline = "pay_offline"
	ChargeStatusSendOTP    = "send_otp"
	ChargeStatusSuccess    = "success"
	ChargeStatusFailed     = "failed"
	ChargeStatusAbandoned  = "abandoned"
)

// Client 支付方HTTP客户端，覆盖charge、submit_otp与verify三个接口
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{
		baseURL:   config.AppConfig.Paystack.BaseURL,
		secretKey: config.AppConfig.Paystack.SecretKey,
		httpClient: &http.Client{
			Timeout: config.AppConfig.Paystack.Timeout,
		},
	}
}

// NewClientWith 指定地址与密钥创建客户端，测试用
func NewClientWith(baseURL, secretKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: httpClient,
	}
}

// MobileMoney 移动货币渠道参数
type MobileMoney struct {
	Phone    string `json:"phone"`
	Provider string `json:"provider"`
}

// Metadata 随charge传给支付方的关联数据，webhook会原样带回
type Metadata struct {
	SessionID string `json:"session_id,omitempty"`
	EventID   int64  `json:"event_id,omitempty"`
	NomineeID int64  `json:"nominee_id,omitempty"`
	VoteCount int    `json:"vote_count,omitempty"`
	Source    string `json:"source,omitempty"`
}

// ChargeRequest 发起扣款请求，金额为最小货币单位
type ChargeRequest struct {
	Amount      int64       `json:"amount"`
	Currency    string      `json:"currency"`
	Email       string      `json:"email"`
	Reference   string      `json:"reference"`
	MobileMoney MobileMoney `json:"mobile_money"`
	Metadata    Metadata    `json:"metadata"`
}

// ChargeData charge与submit_otp响应的data部分
type ChargeData struct {
	Status      string `json:"status"`
	Reference   string `json:"reference"`
	DisplayText string `json:"display_text"`
}

// VerifyData verify响应的data部分
type VerifyData struct {
	Status    string   `json:"status"`
	Reference string   `json:"reference"`
	Amount    int64    `json:"amount"`
	Metadata  Metadata `json:"metadata"`
}

// envelope 支付方统一响应外壳
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Charge 发起扣款
func (c *Client) Charge(ctx context.Context, req *ChargeRequest) (*ChargeData, error) {
	var data ChargeData
	if err := c.post(ctx, "/charge", req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// SubmitOTP 提交一次性验证码
func (c *Client) SubmitOTP(ctx context.Context, reference, otp string) (*ChargeData, error) {
	body := map[string]string{
		"reference": reference,
		"otp":       otp,
	}

	var data ChargeData
	if err := c.post(ctx, "/charge/submit_otp", body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Verify 按参考号查询交易终态，webhook之外的拉取式兜底
func (c *Client) Verify(ctx context.Context, reference string) (*VerifyData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/transaction/verify/"+reference, nil)
	if err != nil {
		return nil, fmt.Errorf("构建verify请求失败: %w", err)
	}

	var data VerifyData
	if err := c.do(req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求支付方失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取支付方响应失败: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("支付方返回异常状态码 %d: %s", resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("解析支付方响应失败: %w", err)
	}

	if !env.Status {
		return fmt.Errorf("支付方返回失败: %s", env.Message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("解析支付方响应数据失败: %w", err)
		}
	}

	return nil
}
