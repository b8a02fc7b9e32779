// Package fec is the simulated front-end card layer: a control engine
// whose children are front-end boards with temperature, voltage, current
// and status services and a register file reachable through device
// commands of group 0x10.
package fec
