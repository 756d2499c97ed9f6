package guard

import "time"

// SlotEventKind classifies slot notifications.
type SlotEventKind string

const (
	SlotGranted  SlotEventKind = "granted"
	SlotDenied   SlotEventKind = "denied"
	SlotReleased SlotEventKind = "released"
	SlotForced   SlotEventKind = "forced_release"
)

// SlotEvent describes a slot grant, denial or release.
type SlotEvent struct {
	Kind    SlotEventKind `json:"kind"`
	Slot    Slot          `json:"slot"`
	Owner   string        `json:"owner,omitempty"` // set on denials, where there is no slot
	Reason  string        `json:"reason,omitempty"`
	Success bool          `json:"success"`
	At      time.Time     `json:"at"`
}

// Observer is notified synchronously of breaker transitions and slot
// activity. Implementations must not call back into the Guard.
type Observer interface {
	OnTransition(Transition)
	OnSlot(SlotEvent)
}

// NopObserver ignores everything. Embed it to implement only one method.
type NopObserver struct{}

func (NopObserver) OnTransition(Transition) {}
func (NopObserver) OnSlot(SlotEvent)        {}
