package events

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribedType(t *testing.T) {
	bus := NewBus()

	var got []*Event
	bus.Subscribe(OrderPlaced, func(e *Event) {
		got = append(got, e)
	})

	bus.Emit(OrderPlaced, "executor", map[string]interface{}{"ticker": "SPY"})
	bus.Emit(OrderFilled, "executor", map[string]interface{}{"ticker": "SPY"})

	require.Len(t, got, 1)
	assert.Equal(t, OrderPlaced, got[0].Type)
	assert.Equal(t, "executor", got[0].Module)
	assert.Equal(t, "SPY", got[0].Data["ticker"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	id := bus.Subscribe(WarmupCompleted, func(e *Event) { count++ })

	bus.Emit(WarmupCompleted, "scheduler", nil)
	bus.Unsubscribe(WarmupCompleted, id)
	bus.Emit(WarmupCompleted, "scheduler", nil)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.SubscriberCount(WarmupCompleted))

	// Unknown ids are ignored.
	bus.Unsubscribe(WarmupCompleted, 999)
}

func TestBusConcurrentEmit(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(SymphonyCompleted, func(e *Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(SymphonyCompleted, "runner", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count)
}

func TestToMapFlattensTypedPayload(t *testing.T) {
	data := &OrderFilledData{
		SymphonyID:    "sym-1",
		ClientOrderID: "abc",
		Ticker:        "QQQ",
		Side:          "buy",
		FilledQty:     "10",
		AvgPrice:      "402.11",
	}

	m := ToMap(data)
	require.NotNil(t, m)
	assert.Equal(t, "sym-1", m["symphony_id"])
	assert.Equal(t, "QQQ", m["ticker"])
	assert.Equal(t, "402.11", m["avg_price"])

	assert.Nil(t, ToMap(nil))
}

func TestManagerEmitTypedRoutesByPayloadType(t *testing.T) {
	bus := NewBus()
	mgr := NewManager(bus, zerolog.Nop())

	var got *Event
	bus.Subscribe(LiquidationTriggered, func(e *Event) { got = e })

	mgr.EmitTyped("recovery", &LiquidationData{
		SymphonyID: "sym-9",
		Reason:     "broker rejected orders",
		ErrorKind:  "BROKER_REJECTED",
		Orders:     3,
	})

	require.NotNil(t, got)
	assert.Equal(t, LiquidationTriggered, got.Type)
	assert.Equal(t, "sym-9", got.Data["symphony_id"])
}
