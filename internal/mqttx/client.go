package mqttx

import (
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/config"
)

const (
	connectTimeout    = 10 * time.Second
	operationTimeout  = 5 * time.Second
	disconnectQuiesce = 250 // ms
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

// Broker MQTT 能力接口（传感器订阅与告警推送共用，测试中可替换为 fake）
type Broker interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

// Client paho 客户端封装
//
// 使用 clean session，断线重连后 broker 端订阅会丢失，
// 因此客户端自己记录订阅并在每次 OnConnect 时重新订阅。
type Client struct {
	client mqtt.Client
	broker string
	logger *zap.Logger

	subs *registry
}

var _ Broker = (*Client)(nil)

// NewClient 连接 broker（自动重连），连接超时返回错误
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		broker: cfg.Broker,
		logger: logger,
		subs:   newRegistry(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
		}).
		SetOnConnectHandler(func(mc mqtt.Client) {
			logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
			c.resubscribe(mc)
		})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timed out after %s", cfg.Broker, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	return c, nil
}

// Subscribe 订阅主题并登记，重连后自动恢复
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := c.subscribe(c.client, topic, qos, handler); err != nil {
		return err
	}
	c.subs.put(topic, qos, handler)
	return nil
}

// Publish 发布消息，等待 broker 确认（QoS 0 立即返回）
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return wait(c.client.Publish(topic, qos, retained, payload), "publish to topic "+topic)
}

// Unsubscribe 取消订阅并移除登记
func (c *Client) Unsubscribe(topics ...string) error {
	c.subs.remove(topics...)
	return wait(c.client.Unsubscribe(topics...), fmt.Sprintf("unsubscribe from %v", topics))
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *Client) subscribe(mc mqtt.Client, topic string, qos byte, handler MessageHandler) error {
	return wait(mc.Subscribe(topic, qos, c.dispatch(handler)), "subscribe to topic "+topic)
}

// dispatch 处理函数出错只记录日志，不影响后续消息
func (c *Client) dispatch(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}
}

func (c *Client) resubscribe(mc mqtt.Client) {
	for _, s := range c.subs.list() {
		if err := c.subscribe(mc, s.topic, s.qos, s.handler); err != nil {
			c.logger.Error("Failed to restore MQTT subscription",
				zap.String("broker", c.broker),
				zap.String("topic", s.topic),
				zap.Error(err),
			)
		}
	}
}

func wait(token mqtt.Token, op string) error {
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("failed to %s: timed out", op)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// registry 当前有效订阅（按主题唯一）
type registry struct {
	mu   sync.Mutex
	subs map[string]subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]subscription)}
}

func (r *registry) put(topic string, qos byte, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[topic] = subscription{topic: topic, qos: qos, handler: handler}
}

func (r *registry) remove(topics ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range topics {
		delete(r.subs, t)
	}
}

// list 按主题排序返回快照
func (r *registry) list() []subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].topic < out[j].topic })
	return out
}
