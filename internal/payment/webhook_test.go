package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"testing"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "sk_test_secret"
	body := []byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`)

	if !VerifySignature(secret, body, sign(secret, body)) {
		t.Fatalf("合法签名应通过验证")
	}

	// 请求体被篡改
	tampered := []byte(`{"event":"charge.success","data":{"reference":"ref-2"}}`)
	if VerifySignature(secret, tampered, sign(secret, body)) {
		t.Fatalf("篡改请求体后签名不应通过")
	}

	// 密钥不一致
	if VerifySignature(secret, body, sign("another_secret", body)) {
		t.Fatalf("错误密钥计算的签名不应通过")
	}

	// 空签名
	if VerifySignature(secret, body, "") {
		t.Fatalf("空签名不应通过")
	}
}

func TestParseWebhookEvent(t *testing.T) {
	body := []byte(`{
		"event": "charge.success",
		"data": {
			"reference": "ref-1",
			"status": "success",
			"amount": 1000,
			"metadata": {"session_id": "s1", "nominee_id": 11, "vote_count": 5}
		}
	}`)

	ev, err := ParseWebhookEvent(body)
	if err != nil {
		t.Fatalf("解析回调事件失败: %v", err)
	}
	if ev.Event != EventChargeSuccess {
		t.Fatalf("事件类型错误: %s", ev.Event)
	}
	if ev.Data.Reference != "ref-1" || ev.Data.Amount != 1000 {
		t.Fatalf("事件载荷错误: %+v", ev.Data)
	}
	if ev.Data.Metadata.SessionID != "s1" || ev.Data.Metadata.VoteCount != 5 {
		t.Fatalf("metadata解析错误: %+v", ev.Data.Metadata)
	}
}

func TestParseWebhookEventInvalid(t *testing.T) {
	if _, err := ParseWebhookEvent([]byte(`not json`)); err == nil {
		t.Fatalf("非法JSON应返回错误")
	}
	if _, err := ParseWebhookEvent([]byte(`{"data":{}}`)); err == nil {
		t.Fatalf("缺少event字段应返回错误")
	}
}
