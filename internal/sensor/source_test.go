package sensor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

const testTopic = "evercare/device-1/accel"

func recv(t *testing.T, ch <-chan Reading) Reading {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "channel closed")
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reading")
		return Reading{}
	}
}

func TestMQTTSource_DeliversSamples(t *testing.T) {
	broker := newFakeBroker()
	src := NewMQTTSource(broker, testTopic, 1, UnitsG, 8, zap.NewNop())

	ch, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	defer src.Unsubscribe()

	require.NoError(t, broker.Publish(testTopic, 1, false, []byte(`{"x":0.1,"y":0.2,"z":0.9,"t":1767225600000}`)))

	r := recv(t, ch)
	require.NoError(t, r.Err)
	assert.Equal(t, 0.1, r.Sample.X)
	assert.Equal(t, 0.9, r.Sample.Z)
	assert.Equal(t, time.UnixMilli(1767225600000).UTC(), r.Sample.T)
}

func TestMQTTSource_ConvertsMetersPerSecond(t *testing.T) {
	broker := newFakeBroker()
	src := NewMQTTSource(broker, testTopic, 1, UnitsMS2, 8, nil)

	ch, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	defer src.Unsubscribe()

	require.NoError(t, broker.Publish(testTopic, 1, false, []byte(`{"x":0,"y":0,"z":19.62,"t":1000}`)))

	r := recv(t, ch)
	require.NoError(t, r.Err)
	assert.InDelta(t, 2.0, r.Sample.Z, 1e-9)
}

func TestMQTTSource_MalformedPayloadIsReadingError(t *testing.T) {
	broker := newFakeBroker()
	src := NewMQTTSource(broker, testTopic, 1, UnitsG, 8, nil)

	ch, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	defer src.Unsubscribe()

	require.NoError(t, broker.Publish(testTopic, 1, false, []byte(`not json`)))
	require.NoError(t, broker.Publish(testTopic, 1, false, []byte(`{"x":1,"t":1000}`)))
	require.NoError(t, broker.Publish(testTopic, 1, false, []byte(`{"error":"no accelerometer"}`)))

	r := recv(t, ch)
	assert.ErrorContains(t, r.Err, "malformed")
	r = recv(t, ch)
	assert.ErrorContains(t, r.Err, "missing axis")
	r = recv(t, ch)
	assert.ErrorIs(t, r.Err, ErrSensorUnavailable)
}

func TestMQTTSource_UnavailableBroker(t *testing.T) {
	broker := newFakeBroker()
	broker.connected = false
	src := NewMQTTSource(broker, testTopic, 1, UnitsG, 8, nil)

	_, err := src.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrSensorUnavailable)

	broker.connected = true
	broker.subscribeErr = errors.New("not authorized")
	_, err = src.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrSensorUnavailable)
}

func TestMQTTSource_FullBufferDropsNewest(t *testing.T) {
	broker := newFakeBroker()
	src := NewMQTTSource(broker, testTopic, 1, UnitsG, 2, nil)

	ch, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	defer src.Unsubscribe()

	for i := 1; i <= 4; i++ {
		payload := `{"x":0,"y":0,"z":1,"t":` + string(rune('0'+i)) + `000}`
		require.NoError(t, broker.Publish(testTopic, 1, false, []byte(payload)))
	}

	assert.Equal(t, int64(2), src.Dropped())
	assert.Equal(t, time.UnixMilli(1000).UTC(), recv(t, ch).Sample.T)
	assert.Equal(t, time.UnixMilli(2000).UTC(), recv(t, ch).Sample.T)
}

func TestMQTTSource_Restartable(t *testing.T) {
	broker := newFakeBroker()
	src := NewMQTTSource(broker, testTopic, 1, UnitsG, 8, nil)

	ch, err := src.Subscribe(context.Background())
	require.NoError(t, err)

	_, err = src.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	require.NoError(t, broker.Publish(testTopic, 1, false, []byte(`{"x":0,"y":0,"z":1,"t":1000}`)))
	require.NoError(t, src.Unsubscribe())
	assert.False(t, broker.subscribed(testTopic))

	// 旧通道关闭后仍可读完剩余数据
	r, ok := <-ch
	assert.True(t, ok)
	assert.NoError(t, r.Err)
	_, ok = <-ch
	assert.False(t, ok)

	// 新订阅不回放之前的数据
	ch2, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	defer src.Unsubscribe()

	require.NoError(t, broker.Publish(testTopic, 1, false, []byte(`{"x":0,"y":0,"z":1,"t":5000}`)))
	assert.Equal(t, time.UnixMilli(5000).UTC(), recv(t, ch2).Sample.T)
}

func TestMQTTSource_ContextCancelUnsubscribes(t *testing.T) {
	broker := newFakeBroker()
	src := NewMQTTSource(broker, testTopic, 1, UnitsG, 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := src.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Eventually(t, func() bool { return !broker.subscribed(testTopic) }, time.Second, 10*time.Millisecond)
}

func TestReplaySource(t *testing.T) {
	base := time.UnixMilli(1000).UTC()
	samples := []models.Sample{
		{Z: 1, T: base},
		{Z: 0.1, T: base.Add(100 * time.Millisecond)},
	}
	src := NewReplaySource(samples, 0)

	ch, err := src.Subscribe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, recv(t, ch).Sample.Z)
	assert.Equal(t, 0.1, recv(t, ch).Sample.Z)
	assert.ErrorIs(t, recv(t, ch).Err, ErrEndOfStream)
	_, ok := <-ch
	assert.False(t, ok)

	require.NoError(t, src.Unsubscribe())

	// 重新订阅从头开始
	ch, err = src.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, recv(t, ch).Sample.Z)
	require.NoError(t, src.Unsubscribe())
}

func TestReplaySource_Paced(t *testing.T) {
	base := time.UnixMilli(1000).UTC()
	src := NewReplaySource([]models.Sample{{Z: 1, T: base}, {Z: 1, T: base.Add(time.Millisecond)}}, 20*time.Millisecond)

	start := time.Now()
	ch, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	defer src.Unsubscribe()

	recv(t, ch)
	recv(t, ch)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestLoadSamplesJSONL(t *testing.T) {
	input := `# recorded on device-1
{"x":0,"y":0,"z":1,"t":1000}

{"x":0.1,"y":0.1,"z":0.05,"t":1100}
`
	samples, err := LoadSamplesJSONL(strings.NewReader(input), UnitsG)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 0.05, samples[1].Z)
	assert.Equal(t, time.UnixMilli(1100).UTC(), samples[1].T)

	_, err = LoadSamplesJSONL(strings.NewReader("{\"x\":0,\"y\":0,\"z\":1,\"t\":1000}\n{broken"), UnitsG)
	assert.ErrorContains(t, err, "line 2")
}

func TestParseUnits(t *testing.T) {
	u, err := ParseUnits("ms2")
	require.NoError(t, err)
	assert.Equal(t, UnitsMS2, u)

	u, err = ParseUnits("")
	require.NoError(t, err)
	assert.Equal(t, UnitsG, u)

	_, err = ParseUnits("mph")
	assert.Error(t, err)
}
