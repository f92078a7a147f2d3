// Package approval defines the DM approval queue: items awaiting a human
// decision, the decision variants a DM can record, and the Store contract
// that owns the canonical copy of every item.
package approval
