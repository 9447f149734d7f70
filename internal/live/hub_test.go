package live

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(h *Hub) *Client {
	c := NewClient()
	h.Register(c)
	return c
}

func receiveOne(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-c.Send():
		require.True(t, ok, "send channel closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func assertNothingPending(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send():
		t.Fatalf("unexpected delivery: %s", msg)
	default:
	}
}

func TestGroupBroadcast(t *testing.T) {
	h := NewHub()
	member := connect(h)
	outsider := connect(h)
	h.Join(member, GroupMetrics)

	h.Publish(Update{EventType: EventMetricsUpdated, Group: GroupMetrics, Payload: map[string]any{"type": "revenue", "value": 800.0}})

	var got Update
	require.Nil(t, json.Unmarshal(receiveOne(t, member), &got))
	assert.Equal(t, EventMetricsUpdated, got.EventType)
	assertNothingPending(t, outsider)
}

func TestSubscriptionFiltersByEventType(t *testing.T) {
	h := NewHub()
	sub := connect(h)
	h.Subscribe(sub, EventAlertCreated)

	h.Publish(Update{EventType: EventMetricsUpdated, Group: GroupMetrics})
	assertNothingPending(t, sub)

	h.Publish(Update{EventType: EventAlertCreated, Group: GroupAlerts})
	var got Update
	require.Nil(t, json.Unmarshal(receiveOne(t, sub), &got))
	assert.Equal(t, EventAlertCreated, got.EventType)
}

func TestBothTransportsCarryTheSameFacts(t *testing.T) {
	h := NewHub()
	groupClient := connect(h)
	subClient := connect(h)
	h.Join(groupClient, GroupMetrics)
	h.Subscribe(subClient, EventMetricsUpdated)

	h.Publish(Update{EventType: EventMetricsUpdated, Group: GroupMetrics, Payload: map[string]any{"value": 1.0}})

	viaGroup := receiveOne(t, groupClient)
	viaSub := receiveOne(t, subClient)
	assert.Equal(t, string(viaGroup), string(viaSub), "one mutation, one encoding, both transports")
}

func TestLeaveStopsGroupDelivery(t *testing.T) {
	h := NewHub()
	c := connect(h)
	h.Join(c, GroupAlerts)
	h.Leave(c, GroupAlerts)

	h.Publish(Update{EventType: EventAlertCreated, Group: GroupAlerts})
	assertNothingPending(t, c)
}

func TestUnregisterCleansUpEverything(t *testing.T) {
	h := NewHub()
	c := connect(h)
	h.Join(c, GroupMetrics)
	h.Subscribe(c, EventMetricsUpdated)

	h.Unregister(c)
	assert.Zero(t, h.ClientCount())

	// Channel closes so the transport's write loop can exit.
	_, ok := <-c.Send()
	assert.False(t, ok)

	// Publishing after disconnect reaches nobody and does not panic.
	h.Publish(Update{EventType: EventMetricsUpdated, Group: GroupMetrics})
}

func TestDisconnectedIsTerminal(t *testing.T) {
	h := NewHub()
	c := connect(h)
	h.Unregister(c)

	// A dead client cannot rejoin; reconnection means a new Client.
	h.Register(c)
	h.Join(c, GroupMetrics)
	assert.Zero(t, h.ClientCount())
}

func TestSlowSubscriberIsDisconnectedNotBlocking(t *testing.T) {
	h := NewHub()
	slow := connect(h)
	healthy := connect(h)
	h.Join(slow, GroupMetrics)
	h.Join(healthy, GroupMetrics)

	// Fill the slow client's buffer without draining it, then one more.
	for i := 0; i <= sendBuffer; i++ {
		h.Publish(Update{EventType: EventMetricsUpdated, Group: GroupMetrics})
		// Keep the healthy client drained so only the slow one backs up.
		receiveOne(t, healthy)
	}

	assert.Equal(t, 1, h.ClientCount(), "the stuck subscriber is dropped")
	select {
	case _, ok := <-slow.Send():
		for ok {
			_, ok = <-slow.Send()
		}
	case <-time.After(time.Second):
		t.Fatal("slow client's channel was not closed")
	}
}

func TestHandleControl(t *testing.T) {
	h := NewHub()
	c := connect(h)

	require.Nil(t, h.HandleControl(c, []byte(`{"action":"join","group":"metrics"}`)))
	h.Publish(Update{EventType: EventMetricsUpdated, Group: GroupMetrics})
	receiveOne(t, c)

	require.Nil(t, h.HandleControl(c, []byte(`{"action":"leave","group":"metrics"}`)))
	h.Publish(Update{EventType: EventMetricsUpdated, Group: GroupMetrics})
	assertNothingPending(t, c)

	require.Nil(t, h.HandleControl(c, []byte(`{"action":"subscribe","eventType":"database.updated"}`)))
	h.Publish(Update{EventType: EventDatabaseUpdated, Group: GroupDatabase})
	receiveOne(t, c)

	assert.NotNil(t, h.HandleControl(c, []byte(`{"action":"shout"}`)))
	assert.NotNil(t, h.HandleControl(c, []byte(`{"action":"join"}`)))
	assert.NotNil(t, h.HandleControl(c, []byte(`not json`)))
}
