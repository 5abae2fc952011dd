package pipelined

import (
	"fmt"
	"time"
)

// FlowKey identifies a subscriber-scoped forwarding rule.
type FlowKey struct {
	// SubscriberID is the session owner (IMSI or equivalent).
	SubscriberID string `json:"subscriber_id"`
	// FlowID distinguishes flows of the same subscriber.
	FlowID string `json:"flow_id"`
}

// String renders the key in the form used for backend rule ids.
func (k FlowKey) String() string {
	return fmt.Sprintf("%s/%s", k.SubscriberID, k.FlowID)
}

// Match is the app-specific packet match of a flow rule. The backend
// treats it as opaque; equality is byte equality.
type Match struct {
	// FiveTuple is an optional transport 5-tuple selector.
	FiveTuple string `json:"five_tuple,omitempty"`
	// AppMatch carries app-specific selectors (rule ids, DPI tags).
	AppMatch string `json:"app_match,omitempty"`
}

// RuleAction is the forwarding action of a flow rule, opaque to the core.
type RuleAction struct {
	Action string `json:"action"`
}

// Flow is the stored record of an installed subscriber rule. The
// record is what lets the reconciler re-anchor rules when an app's
// table id changes.
type Flow struct {
	Key FlowKey `json:"key"`

	// App is the owning app; the rule lives in whatever table the app
	// currently occupies.
	App string `json:"app"`

	// RuleID is the backend rule identifier, stable across updates and
	// re-anchors.
	RuleID string `json:"rule_id"`

	Match    Match      `json:"match"`
	Action   RuleAction `json:"action"`
	Priority uint16     `json:"priority"`

	// RuleGeneration increments on every atomic rule replacement. The
	// stats relay uses it to detect counter resets.
	RuleGeneration uint64 `json:"rule_generation"`

	CreatedAt time.Time `json:"created_at"`
}

// UsageSample is one normalized usage delta forwarded to the collector.
type UsageSample struct {
	SubscriberID       string `json:"subscriber_id"`
	FlowID             string `json:"flow_id"`
	BytesRx            uint64 `json:"bytes_rx"`
	BytesTx            uint64 `json:"bytes_tx"`
	IntervalGeneration uint64 `json:"interval_generation"`
}

// Counters is a raw per-rule counter reading from the backend.
type Counters struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}
