package pipelined

// CounterBaseline is the last counter reading the stats relay
// normalized for a rule, tagged with the rule generation it was read
// under. A generation change means the backend counter restarted from
// zero and the next delta is the raw reading.
type CounterBaseline struct {
	RuleID         string `json:"rule_id"`
	RuleGeneration uint64 `json:"rule_generation"`
	Packets        uint64 `json:"packets"`
	Bytes          uint64 `json:"bytes"`
}
