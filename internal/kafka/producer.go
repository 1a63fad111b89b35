package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvdashuaibi/ussdvote/config"
	"github.com/lvdashuaibi/ussdvote/internal/model"
	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer *kafka.Writer
	ctx    context.Context
}

func NewProducer() (*Producer, error) {
	ctx := context.Background()

	// 启动时确认能连上Kafka，避免首条事件发出时才暴露配置问题
	conn, err := kafka.DialLeader(ctx, "tcp", config.AppConfig.Kafka.Brokers[0], config.AppConfig.Kafka.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	conn.Close()

	// 使用Hash分区器，同一提名者的计票事件进入同一分区
	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.AppConfig.Kafka.Brokers...),
		Topic:    config.AppConfig.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}

	return &Producer{
		writer: writer,
		ctx:    ctx,
	}, nil
}

// SendVoteCreditedEvent 发送计票完成事件到Kafka
func (p *Producer) SendVoteCreditedEvent(event *model.VoteCreditedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化计票事件失败: %w", err)
	}

	// 以提名者ID作为分区key，保证同一提名者的缓存失效按序到达
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", event.NomineeID)),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(p.ctx, msg); err != nil {
		return fmt.Errorf("发送计票事件失败: %w", err)
	}

	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
