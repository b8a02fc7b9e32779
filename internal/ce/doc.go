// Package ce is the control engine: a tree of devices, each running its
// own state machine, plus the command-routing chain that executes device
// commands.
//
// A Device is composed from a Hardware implementation and optional
// capabilities (Armorer, StateHooks, Updater). Transitions are declared
// per device with a set of legal source states and a target state; Error
// and Failure are forced and bypass the legality check.
//
// Device commands arrive as a sequence of blocks:
//
//	[u32 LE word][u32 LE length][length bytes]
//
// where the word carries group (bits 24..31), command (16..23) and
// parameter (0..15). Each block is routed to the first IssueHandler that
// claims its group and command.
package ce
