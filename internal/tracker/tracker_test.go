package tracker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"firewatch-pipeline/internal/config"
	"firewatch-pipeline/internal/metrics"
	"firewatch-pipeline/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStateStore 内存版 StateStore
type fakeStateStore struct {
	mu      sync.Mutex
	states  map[string]models.DeviceState
	deleted []string
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]models.DeviceState)}
}

func (f *fakeStateStore) UpsertDeviceState(ctx context.Context, state *models.DeviceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.DeviceID] = *state
	return nil
}

func (f *fakeStateStore) DeleteDeviceState(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, deviceID)
	f.deleted = append(f.deleted, deviceID)
	return nil
}

func setupTracker(t *testing.T) (*miniredis.Miniredis, *fakeStateStore, *Tracker) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{}
	cfg.Pipeline.Tracker.StaleAfter = 180 * time.Second
	cfg.Pipeline.Tracker.SweepInterval = 30 * time.Second
	cfg.Pipeline.Tracker.CacheTTL = 5 * time.Minute
	cfg.Pipeline.Tracker.Shards = 4

	store := newFakeStateStore()
	tr := NewTracker(cfg, redisClient, store, metrics.NewNop(), zap.NewNop())

	return mr, store, tr
}

func heartbeatEvent(gatewayID string, at time.Time) *models.DeviceEvent {
	battery := 3.6
	signal := -70
	return &models.DeviceEvent{
		GatewayID: gatewayID,
		Kind:      models.EventHeartbeat,
		Payload: models.EventPayload{
			BatteryVolts:   &battery,
			SignalStrength: &signal,
		},
		ReceivedAt: at,
	}
}

func TestApplyEvent_ImplicitRegistration(t *testing.T) {
	_, store, tr := setupTracker(t)
	ctx := context.Background()

	state, err := tr.ApplyEvent(ctx, heartbeatEvent("gw-001", time.Now().UTC()))
	require.NoError(t, err)

	assert.Equal(t, "gw-001", state.DeviceID)
	assert.Equal(t, models.DeviceGateway, state.Kind)
	assert.Equal(t, models.DeviceOnline, state.Status)
	require.NotNil(t, state.BatteryVolts)
	assert.Equal(t, 3.6, *state.BatteryVolts)

	// 持久化
	store.mu.Lock()
	_, ok := store.states["gw-001"]
	store.mu.Unlock()
	assert.True(t, ok)
}

func TestApplyEvent_SensorRegistration(t *testing.T) {
	_, _, tr := setupTracker(t)
	ctx := context.Background()

	event := &models.DeviceEvent{
		GatewayID:  "gw-001",
		Kind:       models.EventSmokeRegister,
		Payload:    models.EventPayload{SensorID: "S1"},
		ReceivedAt: time.Now().UTC(),
	}

	state, err := tr.ApplyEvent(ctx, event)
	require.NoError(t, err)

	assert.Equal(t, "S1", state.DeviceID)
	assert.Equal(t, models.DeviceSensor, state.Kind)
	assert.Equal(t, "gw-001", state.GatewayID)
	assert.Equal(t, models.DeviceOnline, state.Status)

	// 网关作为转发方也被刷新为在线
	gwState, ok := tr.GetState("gw-001")
	require.True(t, ok)
	assert.Equal(t, models.DeviceOnline, gwState.Status)
}

func TestApplyEvent_CachesStateInRedis(t *testing.T) {
	mr, _, tr := setupTracker(t)
	ctx := context.Background()

	_, err := tr.ApplyEvent(ctx, heartbeatEvent("gw-002", time.Now().UTC()))
	require.NoError(t, err)

	raw, err := mr.Get("firewatch:device:gw-002:state")
	require.NoError(t, err)

	var cached models.DeviceState
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Equal(t, models.DeviceOnline, cached.Status)
}

func TestSweep_MarksStaleDeviceOffline(t *testing.T) {
	_, _, tr := setupTracker(t)
	ctx := context.Background()

	var changed []models.DeviceState
	var mu sync.Mutex
	tr.OnStateChange = func(state *models.DeviceState) {
		mu.Lock()
		changed = append(changed, *state)
		mu.Unlock()
	}

	base := time.Now().UTC()
	_, err := tr.ApplyEvent(ctx, heartbeatEvent("gw-001", base))
	require.NoError(t, err)

	// 未超过阈值：保持在线
	tr.Sweep(ctx, base.Add(100*time.Second))
	state, ok := tr.GetState("gw-001")
	require.True(t, ok)
	assert.Equal(t, models.DeviceOnline, state.Status)

	// 超过阈值：判定离线
	tr.Sweep(ctx, base.Add(181*time.Second))
	state, ok = tr.GetState("gw-001")
	require.True(t, ok)
	assert.Equal(t, models.DeviceOffline, state.Status)

	mu.Lock()
	require.NotEmpty(t, changed)
	assert.Equal(t, models.DeviceOffline, changed[len(changed)-1].Status)
	mu.Unlock()

	// 下一次心跳恢复在线
	_, err = tr.ApplyEvent(ctx, heartbeatEvent("gw-001", base.Add(200*time.Second)))
	require.NoError(t, err)
	state, ok = tr.GetState("gw-001")
	require.True(t, ok)
	assert.Equal(t, models.DeviceOnline, state.Status)
}

func TestApplyEvent_DeleteResponse(t *testing.T) {
	_, store, tr := setupTracker(t)
	ctx := context.Background()

	register := &models.DeviceEvent{
		GatewayID:  "gw-001",
		Kind:       models.EventSmokeRegister,
		Payload:    models.EventPayload{SensorID: "S9"},
		ReceivedAt: time.Now().UTC(),
	}
	_, err := tr.ApplyEvent(ctx, register)
	require.NoError(t, err)

	deleteEvent := &models.DeviceEvent{
		GatewayID:  "gw-001",
		Kind:       models.EventDeleteResponse,
		Payload:    models.EventPayload{SensorID: "S9"},
		ReceivedAt: time.Now().UTC(),
	}
	removed, err := tr.ApplyEvent(ctx, deleteEvent)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, "S9", removed.DeviceID)

	_, ok := tr.GetState("S9")
	assert.False(t, ok)

	store.mu.Lock()
	assert.Contains(t, store.deleted, "S9")
	store.mu.Unlock()

	// 重复删除是幂等空操作
	again, err := tr.ApplyEvent(ctx, deleteEvent)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestApplyEvent_ConcurrentDistinctDevices(t *testing.T) {
	_, _, tr := setupTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			gatewayID := "gw-" + string(rune('a'+n%10))
			for j := 0; j < 20; j++ {
				_, err := tr.ApplyEvent(ctx, heartbeatEvent(gatewayID, time.Now().UTC()))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for n := 0; n < 10; n++ {
		state, ok := tr.GetState("gw-" + string(rune('a'+n)))
		require.True(t, ok)
		assert.Equal(t, models.DeviceOnline, state.Status)
	}
}

func TestApplyEvent_SelfTest(t *testing.T) {
	_, _, tr := setupTracker(t)
	ctx := context.Background()

	event := &models.DeviceEvent{
		GatewayID:  "gw-001",
		Kind:       models.EventSelfTest,
		Payload:    models.EventPayload{SensorID: "S1"},
		ReceivedAt: time.Now().UTC(),
	}

	state, err := tr.ApplyEvent(ctx, event)
	require.NoError(t, err)
	require.NotNil(t, state.LastSelfTestAt)
	assert.Equal(t, models.DeviceOnline, state.Status)
}
