package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lvdashuaibi/ussdvote/internal/paystack"
)

// 支付方webhook事件类型
const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
)

// WebhookEvent 支付方回调事件外壳
type WebhookEvent struct {
	Event string      `json:"event"`
	Data  WebhookData `json:"data"`
}

// WebhookData 回调事件载荷，metadata带回发起扣款时的会话关联数据
type WebhookData struct {
	Reference string            `json:"reference"`
	Status    string            `json:"status"`
	Amount    int64             `json:"amount"`
	Metadata  paystack.Metadata `json:"metadata"`
}

// VerifySignature 对未解析的原始请求体重算HMAC-SHA512并与签名头逐字节比对
// 签名不匹配的请求一律拒绝，任何状态都不允许被未认证的回调改写
func VerifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseWebhookEvent 解析回调请求体
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("解析回调事件失败: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("回调事件缺少event字段")
	}
	return &ev, nil
}
