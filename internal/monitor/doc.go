// Package monitor runs the periodic deadband sweeps over the item registry.
//
// One worker runs per non-empty value registry (float, int). A worker walks
// its list in insertion order, reconciles each node's location, and
// republishes the value when it moved by at least half the deadband or when
// the forced refresh counter ran out. Workers sleep update_rate/len(list)
// between nodes so a full sweep spans roughly one update period.
package monitor
