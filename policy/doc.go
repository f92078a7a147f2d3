// Package policy provides optional declarative rules that can be applied on
// top of a running approval engine - for example to auto-approve selected
// kinds when their review deadline passes or when no approver is connected.
package policy
