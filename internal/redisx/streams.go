package redisx

import (
	"context"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrFieldMissing 消息中没有该字段
var ErrFieldMissing = errors.New("stream field missing")

// StreamMessage 读取到的一条流消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// Field 读取字符串字段
func (m StreamMessage) Field(name string) (string, bool) {
	v, ok := m.Values[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// DecodeJSON 将字段按 JSON 解码到 v
func (m StreamMessage) DecodeJSON(name string, v interface{}) error {
	raw, ok := m.Field(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFieldMissing, name)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode stream field %s: %w", name, err)
	}
	return nil
}

// PublishToStream XADD 一条消息，所有值编码为字符串后写入
func PublishToStream(ctx context.Context, client redis.Cmdable, stream string, values map[string]interface{}) (string, error) {
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		encoded, err := encodeField(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode stream field %s: %w", k, err)
		}
		fields[k] = encoded
	}

	id, err := client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	return id, nil
}

// PublishJSONToStream 以 data（JSON）与 timestamp（Unix 秒）两个字段发布
func PublishJSONToStream(ctx context.Context, client redis.Cmdable, stream string, data interface{}) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream payload: %w", err)
	}
	return PublishToStream(ctx, client, stream, map[string]interface{}{
		"data":      payload,
		"timestamp": time.Now().Unix(),
	})
}

// CreateConsumerGroup 幂等创建消费者组，流不存在时一并创建
func CreateConsumerGroup(ctx context.Context, client redis.Cmdable, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil || strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
}

// ReadFromStream 读取组内尚未投递的消息；block <= 0 表示不阻塞，无消息时返回空
func ReadFromStream(ctx context.Context, client redis.Cmdable, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    -1,
	}
	if block > 0 {
		args.Block = block
	}

	res, err := client.XReadGroup(ctx, args).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	var out []StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, StreamMessage{Stream: s.Stream, ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

// Ack XACK，ids 为空时不发请求
func Ack(ctx context.Context, client redis.Cmdable, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack %d messages on %s: %w", len(ids), stream, err)
	}
	return nil
}

// encodeField 标量按文本写入，time.Time 用 RFC3339Nano，其余类型编码为 JSON
func encodeField(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", val), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case encoding.TextMarshaler:
		text, err := val.MarshalText()
		return string(text), err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
