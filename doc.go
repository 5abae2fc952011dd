// Package pipelined holds the domain types for the user-plane pipeline
// controller: apps, flow tables, packet registers, topologies, flows
// and configuration pushes.
//
// The package is pure data. Planning lives in compute, effects in
// action, and I/O behind the interfaces in interpreter. The
// reconciler package drives topology changes, flows manages
// per-subscriber rules and stats relays usage counters.
package pipelined
