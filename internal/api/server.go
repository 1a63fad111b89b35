package api

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/ussdvote/config"
	"github.com/lvdashuaibi/ussdvote/internal/menu"
	"github.com/lvdashuaibi/ussdvote/internal/model"
	"github.com/lvdashuaibi/ussdvote/internal/payment"
)

// Server HTTP服务，承载USSD网关入口、支付方回调与结果查询
type Server struct {
	engine   *gin.Engine
	menu     *menu.Service
	payments *payment.Service
}

func NewServer(menuSvc *menu.Service, paymentSvc *payment.Service, graphHandler http.Handler) *Server {
	engine := gin.Default()

	s := &Server{
		engine:   engine,
		menu:     menuSvc,
		payments: paymentSvc,
	}

	engine.POST("/ussd", s.handleUSSD)
	engine.POST("/webhook/paystack", s.handleWebhook)
	engine.POST("/payments/otp", s.handleSubmitOTP)
	engine.GET("/payments/verify/:reference", s.handleVerify)

	graphPath := config.AppConfig.GraphQL.Path
	if graphPath == "" {
		graphPath = "/graphql"
	}
	engine.POST(graphPath, gin.WrapH(graphHandler))

	return s
}

// Start 启动HTTP服务器
func (s *Server) Start(port int) error {
	return s.engine.Run(fmt.Sprintf(":%d", port))
}

// handleUSSD USSD网关入口
// 网关以form提交sessionId、phoneNumber与累积输入text，
// 任何情况都返回200与合法的CON/END文本，错误不向网关暴露
func (s *Server) handleUSSD(c *gin.Context) {
	sessionID := c.PostForm("sessionId")
	phoneNumber := c.PostForm("phoneNumber")
	text := c.PostForm("text")

	if sessionID == "" || phoneNumber == "" {
		c.String(http.StatusOK, "END Invalid request.")
		return
	}

	response := s.menu.Handle(c.Request.Context(), sessionID, phoneNumber, text)
	c.String(http.StatusOK, response)
}

// handleWebhook 支付方回调入口
// 先用原始请求体验签，再解析事件；未知参考号返回404让支付方按自身策略重试
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "invalid body"})
		return
	}

	signature := c.GetHeader("x-paystack-signature")
	if !payment.VerifySignature(config.AppConfig.Paystack.SecretKey, body, signature) {
		log.Printf("回调验签失败: 来源=%s", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"status": "invalid signature"})
		return
	}

	ev, err := payment.ParseWebhookEvent(body)
	if err != nil {
		log.Printf("解析回调事件失败: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"status": "malformed event"})
		return
	}

	if err := s.payments.ProcessWebhook(c.Request.Context(), ev); err != nil {
		if errors.Is(err, model.ErrPaymentNotFound) {
			// 支付记录可能尚未落库，返回错误状态码等支付方重投
			c.JSON(http.StatusNotFound, gin.H{"status": "unknown reference"})
			return
		}
		log.Printf("处理回调事件失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type submitOTPRequest struct {
	Reference string `json:"reference" binding:"required"`
	OTP       string `json:"otp" binding:"required"`
}

// handleSubmitOTP 转发用户OTP给支付方
func (s *Server) handleSubmitOTP(c *gin.Context) {
	var req submitOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "reference and otp are required"})
		return
	}

	message, err := s.payments.SubmitOTP(c.Request.Context(), req.Reference, req.OTP)
	if err != nil {
		log.Printf("提交OTP失败: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"message": "OTP submission failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": message})
}

// handleVerify 拉取式核实回调，app流程与回调页使用
func (s *Server) handleVerify(c *gin.Context) {
	reference := c.Param("reference")

	status, err := s.payments.VerifyAndCredit(c.Request.Context(), reference)
	if err != nil {
		if errors.Is(err, model.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"status": "unknown reference"})
			return
		}
		log.Printf("核实交易 %s 失败: %v", reference, err)
		c.JSON(http.StatusBadGateway, gin.H{"status": "verification failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reference": reference, "status": status})
}
