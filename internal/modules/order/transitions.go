package order

// statusTransitions defines the allowed order lifecycle state machine.
// CANCELED is reachable only while the kitchen can still stop work.
var statusTransitions = map[Status][]Status{
	StatusNew:       {StatusAccepted, StatusCanceled},
	StatusAccepted:  {StatusPreparing, StatusCanceled},
	StatusPreparing: {StatusReady, StatusCanceled},
	StatusReady:     {StatusCompleted},
	StatusCompleted: {},
	StatusCanceled:  {},
}

// CanTransition returns true if the order status transition is valid.
func CanTransition(current, next Status) bool {
	for _, s := range statusTransitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

// deliveryRank gives each delivery state its ordinal position on the
// fulfillment ladder. Webhooks arrive at-least-once and out of order, so
// idempotency and regression checks compare ordinals, never wall-clock time.
var deliveryRank = map[DeliveryStatus]int{
	DeliveryPending:         1,
	DeliveryScheduled:       2,
	DeliveryCourierAssigned: 3,
	DeliveryCourierArrived:  4,
	DeliveryPickedUp:        5,
	DeliveryDelivered:       6,
}

// DeliveryRank returns the ordinal position of a delivery state on the
// ladder. FAILED is terminal but off-ladder and reports 0.
func DeliveryRank(s DeliveryStatus) int {
	return deliveryRank[s]
}

// DeliveryTerminal reports whether no further delivery transitions are legal.
func DeliveryTerminal(s DeliveryStatus) bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// CanTransitionDelivery returns true if the delivery transition is valid.
// Forward jumps are legal because providers may deliver intermediate webhooks
// late or not at all; regressions and repeats are not. FAILED is reachable
// from any non-terminal state. A nil current state only accepts the two
// dispatch entry states.
func CanTransitionDelivery(current *DeliveryStatus, next DeliveryStatus) bool {
	if current == nil {
		return next == DeliveryPending || next == DeliveryScheduled
	}
	if DeliveryTerminal(*current) {
		return false
	}
	if next == DeliveryFailed {
		return true
	}
	return DeliveryRank(next) > DeliveryRank(*current)
}

// DispatchEligible reports whether the delivery lifecycle may progress for
// an order in the given status. Delivery cannot start before ACCEPTED and
// never progresses on a canceled order.
func DispatchEligible(s Status) bool {
	switch s {
	case StatusAccepted, StatusPreparing, StatusReady, StatusCompleted:
		return true
	}
	return false
}

// cancelable reports whether a bare status cancellation is still legal.
func cancelable(s Status) bool {
	return s == StatusNew || s == StatusAccepted || s == StatusPreparing
}
