package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "ChainGuard/internal/errors"
)

// RabbitMQConfig 描述人工升级通道的 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// RabbitMQBridge 把升级发布到队列，人审端处理后把批复投回
// 每次升级独占的回执队列。等待以调用方的 ctx 截止时间为界。
type RabbitMQBridge struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQBridge 创建 RabbitMQ 升级通道。
func NewRabbitMQBridge(cfg RabbitMQConfig) (*RabbitMQBridge, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "chainguard.escalations"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "声明升级队列失败")
	}
	return &RabbitMQBridge{conn: conn, ch: ch, queue: queue}, nil
}

// Decide 实现 Bridge 接口。
func (b *RabbitMQBridge) Decide(ctx context.Context, escalation Escalation) (Decision, error) {
	if b == nil || b.ch == nil {
		return Decision{}, xerrors.New(xerrors.CodeConfiguration, "升级通道未初始化")
	}
	body, err := json.Marshal(escalation)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeUnknown, err, "序列化升级内容失败")
	}

	// 每次升级独占一个自动删除的回执队列，避免批复串台。
	replyQueue, err := b.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeUnknown, err, "声明回执队列失败")
	}
	correlationID := uuid.NewString()

	deliveries, err := b.ch.ConsumeWithContext(ctx, replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeUnknown, err, "订阅回执队列失败")
	}

	err = b.ch.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	})
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeUnknown, err, "发布升级消息失败")
	}

	for {
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return Decision{}, ctx.Err()
				}
				return Decision{}, xerrors.New(xerrors.CodeUnknown, "回执通道已关闭")
			}
			if delivery.CorrelationId != correlationID {
				continue
			}
			var decision Decision
			if err := json.Unmarshal(delivery.Body, &decision); err != nil {
				return Decision{}, xerrors.Wrap(xerrors.CodeUnknown, err,
					fmt.Sprintf("解析批复失败: %s", delivery.Body))
			}
			return decision, nil
		}
	}
}

// Close 关闭底层连接。
func (b *RabbitMQBridge) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Bridge = (*RabbitMQBridge)(nil)
