package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		next    Status
		want    bool
	}{
		{"new to accepted", StatusNew, StatusAccepted, true},
		{"new to canceled", StatusNew, StatusCanceled, true},
		{"accepted to preparing", StatusAccepted, StatusPreparing, true},
		{"accepted to canceled", StatusAccepted, StatusCanceled, true},
		{"preparing to ready", StatusPreparing, StatusReady, true},
		{"preparing to canceled", StatusPreparing, StatusCanceled, true},
		{"ready to completed", StatusReady, StatusCompleted, true},
		{"new skips to ready", StatusNew, StatusReady, false},
		{"new skips to completed", StatusNew, StatusCompleted, false},
		{"ready to canceled", StatusReady, StatusCanceled, false},
		{"completed is terminal", StatusCompleted, StatusCanceled, false},
		{"canceled is terminal", StatusCanceled, StatusAccepted, false},
		{"no self loop", StatusPreparing, StatusPreparing, false},
		{"no going back", StatusReady, StatusPreparing, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.current, tt.next))
		})
	}
}

func TestCanTransitionDelivery(t *testing.T) {
	ptr := func(s DeliveryStatus) *DeliveryStatus { return &s }

	tests := []struct {
		name    string
		current *DeliveryStatus
		next    DeliveryStatus
		want    bool
	}{
		{"unset to pending", nil, DeliveryPending, true},
		{"unset to scheduled", nil, DeliveryScheduled, true},
		{"unset cannot jump mid-ladder", nil, DeliveryPickedUp, false},
		{"unset cannot fail", nil, DeliveryFailed, false},
		{"pending to scheduled", ptr(DeliveryPending), DeliveryScheduled, true},
		{"scheduled to courier assigned", ptr(DeliveryScheduled), DeliveryCourierAssigned, true},
		{"forward jump over missing webhook", ptr(DeliveryScheduled), DeliveryPickedUp, true},
		{"forward jump straight to delivered", ptr(DeliveryCourierAssigned), DeliveryDelivered, true},
		{"repeat is not a transition", ptr(DeliveryPickedUp), DeliveryPickedUp, false},
		{"no regression", ptr(DeliveryPickedUp), DeliveryCourierAssigned, false},
		{"failed from pending", ptr(DeliveryPending), DeliveryFailed, true},
		{"failed from picked up", ptr(DeliveryPickedUp), DeliveryFailed, true},
		{"delivered is terminal", ptr(DeliveryDelivered), DeliveryFailed, false},
		{"failed is terminal", ptr(DeliveryFailed), DeliveryScheduled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransitionDelivery(tt.current, tt.next))
		})
	}
}

func TestDeliveryRankOrdering(t *testing.T) {
	ladder := []DeliveryStatus{
		DeliveryPending, DeliveryScheduled, DeliveryCourierAssigned,
		DeliveryCourierArrived, DeliveryPickedUp, DeliveryDelivered,
	}
	for i := 1; i < len(ladder); i++ {
		assert.Greater(t, DeliveryRank(ladder[i]), DeliveryRank(ladder[i-1]),
			"%s must outrank %s", ladder[i], ladder[i-1])
	}
	assert.Zero(t, DeliveryRank(DeliveryFailed), "FAILED sits off the ladder")
}

func TestDispatchEligible(t *testing.T) {
	assert.False(t, DispatchEligible(StatusNew))
	assert.False(t, DispatchEligible(StatusCanceled))
	assert.True(t, DispatchEligible(StatusAccepted))
	assert.True(t, DispatchEligible(StatusReady))
	assert.True(t, DispatchEligible(StatusCompleted))
}
