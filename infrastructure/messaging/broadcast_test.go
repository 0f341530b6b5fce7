package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"payflow-backend/application/ports"
	"payflow-backend/domain/core/entities"
)

func TestBroadcaster_PublishReachesEveryListener(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	var first, second []ports.FlowBroadcast
	b.Subscribe(func(evt ports.FlowBroadcast) { first = append(first, evt) })
	b.Subscribe(func(evt ports.FlowBroadcast) { second = append(second, evt) })

	b.Publish(ports.FlowBroadcast{FlowID: "booking-1", Status: entities.StatusSucceeded})

	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
	assert.Equal(t, "booking-1", first[0].FlowID)
}

func TestBroadcaster_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	var got []ports.FlowBroadcast
	unsubscribe := b.Subscribe(func(evt ports.FlowBroadcast) { got = append(got, evt) })

	b.Publish(ports.FlowBroadcast{FlowID: "booking-1"})
	unsubscribe()
	b.Publish(ports.FlowBroadcast{FlowID: "booking-1"})

	assert.Len(t, got, 1)
}

func TestBroadcaster_PanickingListenerDoesNotBlockOthers(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	b.Subscribe(func(ports.FlowBroadcast) { panic("listener bug") })
	var got int
	b.Subscribe(func(ports.FlowBroadcast) { got++ })

	assert.NotPanics(t, func() {
		b.Publish(ports.FlowBroadcast{FlowID: "booking-1"})
	})
	assert.Equal(t, 1, got)
}
