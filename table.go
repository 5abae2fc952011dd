package pipelined

import "fmt"

// TableID identifies a flow table in the dataplane pipeline.
// Traffic only ever jumps to a strictly higher table id, except for
// scratch round-trips which return strictly above the dispatching app.
type TableID uint8

// String returns the decimal form of the table id.
func (t TableID) String() string {
	return fmt.Sprintf("%d", t)
}

// Bands partitions the table range into the fixed regions the
// allocator hands out from.
//
//	[0, ConfigurableStart)          static preamble
//	[ConfigurableStart, Postamble)  configurable band
//	Postamble                       static postamble (egress)
//	(Postamble, ScratchTop]         scratch band, allocated downward
type Bands struct {
	// ConfigurableStart is the first table id of the configurable band.
	ConfigurableStart TableID
	// Postamble is the fixed egress table, one past the configurable band.
	Postamble TableID
	// ScratchTop is the highest scratch table id. Scratch tables are
	// assigned from here downward.
	ScratchTop TableID
}

// DefaultBands is the production layout: preamble 0-3, configurable
// band 4-19, egress at 20, scratch 21-254.
func DefaultBands() Bands {
	return Bands{
		ConfigurableStart: 4,
		Postamble:         20,
		ScratchTop:        254,
	}
}

// Capacity returns the number of primary slots in the configurable band.
func (b Bands) Capacity() int {
	return int(b.Postamble) - int(b.ConfigurableStart)
}

// ScratchCapacity returns the number of tables in the scratch band.
func (b Bands) ScratchCapacity() int {
	return int(b.ScratchTop) - int(b.Postamble)
}

// Validate checks that the band boundaries are ordered and non-empty.
func (b Bands) Validate() error {
	if b.ConfigurableStart == 0 {
		return fmt.Errorf("configurable band cannot start at table 0: the static preamble needs at least one table")
	}
	if b.Postamble <= b.ConfigurableStart {
		return fmt.Errorf("postamble table %d must be above the configurable band start %d", b.Postamble, b.ConfigurableStart)
	}
	if b.ScratchTop <= b.Postamble {
		return fmt.Errorf("scratch top %d must be above the postamble table %d", b.ScratchTop, b.Postamble)
	}
	return nil
}
