package events

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
)

func TestBusSubscribePublish(t *testing.T) {
	bus := NewBus(hclog.NewNullLogger())

	var received []Event
	subID, err := bus.Subscribe(EventPluginRegistered, func(event Event) {
		received = append(received, event)
	})
	assert.NoError(t, err)
	assert.Greater(t, subID, 0)

	bus.Publish(Event{
		Type:     EventPluginRegistered,
		Source:   "registry",
		PluginID: "weather-widget",
	})

	assert.Len(t, received, 1)
	assert.Equal(t, "weather-widget", received[0].PluginID)
	assert.NotEmpty(t, received[0].ID)
	assert.False(t, received[0].Timestamp.IsZero())

	// 其他类型的事件不会送达
	bus.Publish(Event{Type: EventCacheSet, Source: "cache"})
	assert.Len(t, received, 1)
}

func TestBusWildcardSubscription(t *testing.T) {
	bus := NewBus(nil)

	count := 0
	_, err := bus.Subscribe("*", func(event Event) {
		count++
	})
	assert.NoError(t, err)

	bus.Publish(Event{Type: EventCacheSet})
	bus.Publish(Event{Type: EventStorageSet})
	bus.Publish(Event{Type: EventHookExecuted})

	assert.Equal(t, 3, count)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)

	count := 0
	subID, _ := bus.Subscribe(EventCacheEvict, func(event Event) {
		count++
	})

	bus.Publish(Event{Type: EventCacheEvict})
	assert.Equal(t, 1, count)

	assert.NoError(t, bus.Unsubscribe(subID))
	bus.Publish(Event{Type: EventCacheEvict})
	assert.Equal(t, 1, count)

	// 取消不存在的订阅
	assert.Error(t, bus.Unsubscribe(9999))
}

func TestBusInvalidSubscription(t *testing.T) {
	bus := NewBus(nil)

	_, err := bus.Subscribe("", func(event Event) {})
	assert.Error(t, err)

	_, err = bus.Subscribe(EventCacheSet, nil)
	assert.Error(t, err)
}

func TestBusEventHistory(t *testing.T) {
	bus := NewBus(nil, WithMaxEvents(3))

	bus.Publish(Event{Type: EventCacheSet, PluginID: "a"})
	bus.Publish(Event{Type: EventCacheSet, PluginID: "b"})
	bus.Publish(Event{Type: EventStorageSet, PluginID: "a"})
	bus.Publish(Event{Type: EventStorageSet, PluginID: "c"})

	// 历史被限制为3条
	assert.Equal(t, 3, bus.Count())

	// 按类型过滤
	storageEvents := bus.Events(EventStorageSet, "", 0, 0)
	assert.Len(t, storageEvents, 2)

	// 按插件过滤
	aEvents := bus.Events("", "a", 0, 0)
	assert.Len(t, aEvents, 1)

	// 分页
	paged := bus.Events("", "", 1, 1)
	assert.Len(t, paged, 1)

	bus.Clear()
	assert.Equal(t, 0, bus.Count())
}

func TestBusHandlerPanicIsolated(t *testing.T) {
	bus := NewBus(nil)

	count := 0
	bus.Subscribe(EventCacheSet, func(event Event) {
		panic("处理函数panic")
	})
	bus.Subscribe(EventCacheSet, func(event Event) {
		count++
	})

	// panic不会影响其他订阅者
	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: EventCacheSet})
	})
	assert.Equal(t, 1, count)
}
