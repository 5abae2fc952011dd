// Package registers enforces ownership of packet-scoped registers.
//
// Every register has exactly one owning app. Other apps may read it;
// writes require either ownership or, for global-mutable registers, a
// declared write intent accepted by the contract. The contract is
// built during controller start and frozen before traffic-affecting
// components consult it, so steady-state checks are lock-free reads
// of immutable data.
package registers

import (
	"fmt"
	"sync"

	"github.com/upgw/pipelined"
)

// Contract is the register ownership table.
type Contract struct {
	mu      sync.RWMutex
	frozen  bool
	entries map[string]pipelined.Register
	// writers holds declared write intents on mutable registers,
	// keyed by register then app.
	writers map[string]map[string]struct{}
}

// NewContract returns an empty, mutable contract.
func NewContract() *Contract {
	return &Contract{
		entries: make(map[string]pipelined.Register),
		writers: make(map[string]map[string]struct{}),
	}
}

// Register claims a register for owner with the given scope.
func (c *Contract) Register(name string, scope pipelined.RegisterScope, owner string) error {
	if !pipelined.ValidScope(scope) {
		return &pipelined.UnknownScopeError{Scope: scope}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return fmt.Errorf("register %q: contract is frozen", name)
	}
	if existing, ok := c.entries[name]; ok {
		if existing.Owner != owner {
			return &pipelined.OwnershipConflictError{
				Register: name,
				Owner:    existing.Owner,
				Claimant: owner,
			}
		}
		// Re-registration by the same owner must not change the scope.
		if existing.Scope != scope {
			return fmt.Errorf("register %q: scope %s conflicts with registered scope %s", name, scope, existing.Scope)
		}
		return nil
	}
	c.entries[name] = pipelined.Register{Name: name, Scope: scope, Owner: owner}
	return nil
}

// DeclareWriter records app's intent to write a global-mutable
// register it does not own. Write-once and local registers only ever
// accept their owner.
func (c *Contract) DeclareWriter(app, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return fmt.Errorf("register %q: contract is frozen", name)
	}
	reg, ok := c.entries[name]
	if !ok {
		return fmt.Errorf("register %q is not registered", name)
	}
	if reg.Owner == app {
		return nil
	}
	if reg.Scope != pipelined.ScopeMutable {
		return &pipelined.OwnershipConflictError{Register: name, Owner: reg.Owner, Claimant: app}
	}
	if c.writers[name] == nil {
		c.writers[name] = make(map[string]struct{})
	}
	c.writers[name][app] = struct{}{}
	return nil
}

// Freeze makes the contract immutable. Called once the app catalog is
// fully registered, before the first reconciliation.
func (c *Contract) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

// AuthorizeWrite reports whether app may write the named register.
func (c *Contract) AuthorizeWrite(app, name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.entries[name]
	if !ok {
		return false
	}
	if reg.Owner == app {
		return true
	}
	if reg.Scope != pipelined.ScopeMutable {
		return false
	}
	_, declared := c.writers[name][app]
	return declared
}

// AuthorizeRead reports whether app may read the named register.
// Any registered register is readable.
func (c *Contract) AuthorizeRead(app, name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	_ = app
	return ok
}

// Lookup returns the register entry, if registered.
func (c *Contract) Lookup(name string) (pipelined.Register, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.entries[name]
	return reg, ok
}

// ValidateApp checks an app's declared reads and writes against the
// contract. Called when the catalog registers an app and again when a
// push names it.
func (c *Contract) ValidateApp(app pipelined.App) error {
	for _, name := range app.Reads {
		if !c.AuthorizeRead(app.Name, name) {
			return fmt.Errorf("app %s reads unregistered register %q", app.Name, name)
		}
	}
	for _, name := range app.Writes {
		if !c.AuthorizeWrite(app.Name, name) {
			reg, ok := c.Lookup(name)
			if !ok {
				return fmt.Errorf("app %s writes unregistered register %q", app.Name, name)
			}
			return &pipelined.OwnershipConflictError{Register: name, Owner: reg.Owner, Claimant: app.Name}
		}
	}
	return nil
}
