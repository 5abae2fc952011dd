package pipelined

// AppKind distinguishes statically placed apps from apps placed by the
// allocator on each configuration push.
type AppKind string

const (
	// AppStatic apps occupy fixed table ids in the preamble or postamble.
	AppStatic AppKind = "static"
	// AppConfigurable apps receive table ids from the allocator.
	AppConfigurable AppKind = "configurable"
)

// App declares a pipeline app: its identity, placement needs and its
// register contract. Apps are registered at controller start (static)
// or named by a configuration push (configurable).
type App struct {
	// Name uniquely identifies the app.
	Name string `json:"name"`

	// Kind is static or configurable.
	Kind AppKind `json:"kind"`

	// FixedTable is the table id of a static app. Ignored for
	// configurable apps.
	FixedTable TableID `json:"fixed_table,omitempty"`

	// ScratchTables is the number of auxiliary tables the app needs
	// beyond its primary table.
	ScratchTables int `json:"scratch_tables,omitempty"`

	// Reads lists the registers the app reads.
	Reads []string `json:"reads,omitempty"`

	// Writes lists the registers the app writes. Each entry must be
	// authorized by the register contract.
	Writes []string `json:"writes,omitempty"`

	// DefaultPriority is the match priority of the app's default rule.
	// Subscriber rules always install above it.
	DefaultPriority uint16 `json:"default_priority,omitempty"`

	// DefaultAction is what the app's default rule does to traffic no
	// subscriber rule matched.
	DefaultAction RuleAction `json:"default_action,omitempty"`

	// Accounting marks apps whose scratch tables carry per-flow
	// counters read by the stats relay.
	Accounting bool `json:"accounting,omitempty"`
}

// IsStatic reports whether the app has a fixed table id.
func (a App) IsStatic() bool { return a.Kind == AppStatic }
