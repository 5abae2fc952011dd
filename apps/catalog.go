// Package apps defines the app catalog: every pipeline app the
// controller knows, static and configurable, together with the
// register contract their declared reads and writes are checked
// against.
package apps

import (
	"fmt"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/action"
	"github.com/upgw/pipelined/registers"
)

// Register names shared across apps. Each has exactly one owner; the
// contract rejects any other writer.
const (
	RegIMSI         = "imsi"
	RegDirection    = "direction"
	RegTunnelID     = "tun_id"
	RegAppID        = "app_id"
	RegRuleVersion  = "rule_version"
	RegRedirectFlag = "redirect_flag"
)

// Static app names. Their table ids come from the band layout, not
// the allocator.
const (
	AppIngress = "ingress"
	AppGTP     = "gtp"
	AppARP     = "arp"
	AppMiddle  = "middle"
	AppEgress  = "egress"
)

// Configurable app names accepted in a pushed service list.
const (
	AppAccessControl = "access_control_ext"
	AppMetering      = "metering"
	AppEnforcement   = "enforcement"
	AppDPI           = "dpi"
	AppRedirect      = "redirect"
)

var (
	actionContinue = pipelined.RuleAction{Action: "continue"}
	actionDrop     = pipelined.RuleAction{Action: "drop"}
	actionCount    = pipelined.RuleAction{Action: "count"}
)

// Catalog maps app names to their declarations.
type Catalog struct {
	statics []pipelined.App
	byName  map[string]pipelined.App
}

// Default builds the catalog of stock apps and the register contract
// they declare against. The contract comes back frozen; steady-state
// authorization checks are reads of immutable data.
func Default(bands pipelined.Bands) (*Catalog, *registers.Contract, error) {
	contract := registers.NewContract()

	regs := []struct {
		name  string
		scope pipelined.RegisterScope
		owner string
	}{
		{RegIMSI, pipelined.ScopeWriteOnce, AppIngress},
		{RegDirection, pipelined.ScopeWriteOnce, AppIngress},
		{RegTunnelID, pipelined.ScopeWriteOnce, AppGTP},
		{RegAppID, pipelined.ScopeMutable, AppDPI},
		{RegRuleVersion, pipelined.ScopeMutable, AppEnforcement},
		{RegRedirectFlag, pipelined.ScopeLocal, AppRedirect},
	}
	for _, r := range regs {
		if err := contract.Register(r.name, r.scope, r.owner); err != nil {
			return nil, nil, fmt.Errorf("register %s: %w", r.name, err)
		}
	}

	statics := []pipelined.App{
		{Name: AppIngress, Kind: pipelined.AppStatic, FixedTable: 0,
			Writes: []string{RegIMSI, RegDirection}, DefaultPriority: 0, DefaultAction: actionContinue},
		{Name: AppGTP, Kind: pipelined.AppStatic, FixedTable: 1,
			Reads: []string{RegDirection}, Writes: []string{RegTunnelID}, DefaultPriority: 0, DefaultAction: actionContinue},
		{Name: AppARP, Kind: pipelined.AppStatic, FixedTable: 2,
			DefaultPriority: 0, DefaultAction: actionContinue},
		{Name: AppMiddle, Kind: pipelined.AppStatic, FixedTable: 3,
			Reads: []string{RegIMSI}, DefaultPriority: 0, DefaultAction: actionContinue},
		{Name: AppEgress, Kind: pipelined.AppStatic, FixedTable: bands.Postamble,
			Reads: []string{RegIMSI, RegTunnelID}, DefaultPriority: 0, DefaultAction: actionContinue},
	}

	configurables := []pipelined.App{
		{Name: AppAccessControl, Kind: pipelined.AppConfigurable,
			Reads: []string{RegIMSI, RegDirection}, DefaultPriority: 10, DefaultAction: actionDrop},
		{Name: AppMetering, Kind: pipelined.AppConfigurable, ScratchTables: 1, Accounting: true,
			Reads: []string{RegIMSI, RegDirection}, DefaultPriority: 10, DefaultAction: actionContinue},
		{Name: AppEnforcement, Kind: pipelined.AppConfigurable, ScratchTables: 1, Accounting: true,
			Reads: []string{RegIMSI, RegAppID}, Writes: []string{RegRuleVersion},
			DefaultPriority: 10, DefaultAction: actionDrop},
		{Name: AppDPI, Kind: pipelined.AppConfigurable,
			Reads: []string{RegIMSI}, Writes: []string{RegAppID},
			DefaultPriority: 10, DefaultAction: actionContinue},
		{Name: AppRedirect, Kind: pipelined.AppConfigurable,
			Reads: []string{RegIMSI}, Writes: []string{RegRedirectFlag},
			DefaultPriority: 10, DefaultAction: actionContinue},
	}

	c := &Catalog{
		statics: statics,
		byName:  make(map[string]pipelined.App, len(statics)+len(configurables)),
	}
	for _, app := range append(append([]pipelined.App(nil), statics...), configurables...) {
		for _, w := range app.Writes {
			if err := contract.DeclareWriter(app.Name, w); err != nil {
				return nil, nil, fmt.Errorf("app %s: %w", app.Name, err)
			}
		}
		if err := contract.ValidateApp(app); err != nil {
			return nil, nil, fmt.Errorf("app %s: %w", app.Name, err)
		}
		c.byName[app.Name] = app
	}

	contract.Freeze()
	return c, contract, nil
}

// Statics returns the static apps in fixed-table order.
func (c *Catalog) Statics() []pipelined.App {
	return append([]pipelined.App(nil), c.statics...)
}

// Lookup returns the declaration for an app name.
func (c *Catalog) Lookup(name string) (pipelined.App, bool) {
	app, ok := c.byName[name]
	return app, ok
}

// Resolve maps a pushed service list to app declarations, in order.
// Unknown names and static apps named as services reject the push.
func (c *Catalog) Resolve(services []string) ([]pipelined.App, error) {
	order := make([]pipelined.App, 0, len(services))
	for _, name := range services {
		app, ok := c.byName[name]
		if !ok {
			return nil, &pipelined.UnknownAppError{App: name}
		}
		if app.IsStatic() {
			return nil, &pipelined.ConfigError{Reason: fmt.Sprintf("service %q is a static app", name)}
		}
		order = append(order, app)
	}
	return order, nil
}

// DefaultRuleID names an app's default rule in the backend.
func DefaultRuleID(app string) string {
	return "default:" + app
}

// DefaultRule builds the lowest-priority rule installed in an app's
// primary table so traffic unmatched by any subscriber rule is still
// handled.
func DefaultRule(app pipelined.App, table pipelined.TableID) action.InstallRule {
	return action.InstallRule{
		Table:    table,
		RuleID:   DefaultRuleID(app.Name),
		Priority: app.DefaultPriority,
		Action:   app.DefaultAction,
	}
}

// AccountingRuleIDs names the per-direction counting rules mirroring a
// flow rule in an accounting app's scratch table, rx then tx.
func AccountingRuleIDs(ruleID string) []string {
	return []string{ruleID + ":rx", ruleID + ":tx"}
}

// FlowRules builds the backend rules for one subscriber flow: the
// match rule in the app's primary table, plus, for accounting apps,
// per-direction counting rules in the first scratch table. The stats
// relay reads the counting rules; the primary rule decides forwarding.
func FlowRules(app pipelined.App, a pipelined.Assignment, flow pipelined.Flow) []action.InstallRule {
	rules := []action.InstallRule{{
		Table:    a.Primary,
		RuleID:   flow.RuleID,
		Match:    flow.Match,
		Priority: flow.Priority,
		Action:   flow.Action,
	}}
	if app.Accounting && len(a.Scratch) > 0 {
		for _, id := range AccountingRuleIDs(flow.RuleID) {
			rules = append(rules, action.InstallRule{
				Table:    a.Scratch[0],
				RuleID:   id,
				Match:    flow.Match,
				Priority: flow.Priority,
				Action:   actionCount,
			})
		}
	}
	return rules
}
