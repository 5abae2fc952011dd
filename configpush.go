package pipelined

import "fmt"

// ConfigPush is an ordered service list received from the remote
// control plane, tagged with a monotonically increasing generation.
type ConfigPush struct {
	// Generation distinguishes successive pushes; a stale attempt is
	// one whose generation has been superseded.
	Generation uint64 `json:"generation"`

	// Services lists enabled configurable apps in traversal order.
	Services []string `json:"services"`

	// Params carries per-app parameters, opaque to the core.
	Params map[string]map[string]string `json:"params,omitempty"`
}

// Validate rejects duplicated or empty service names. Unknown names
// and capacity are checked later against the app catalog and bands.
func (c ConfigPush) Validate() error {
	seen := make(map[string]struct{}, len(c.Services))
	for _, name := range c.Services {
		if name == "" {
			return &ConfigError{Reason: "empty service name"}
		}
		if _, dup := seen[name]; dup {
			return &ConfigError{Reason: fmt.Sprintf("service %q listed twice", name)}
		}
		seen[name] = struct{}{}
	}
	return nil
}
