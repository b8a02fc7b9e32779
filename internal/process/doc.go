// Package process supervises the feeserver binary.
//
// The server never restarts itself: it exits with a code from package
// exitcode and the supervisor decides what happens next.
//
//   - Normal: stop supervising.
//   - Restart, RetryInit: start the server again.
//   - Fatal startup codes (no server name, no transport, ...): stop.
//   - Anything else, including death by signal: restart only when
//     RestartOnCrash is set.
//
// Every start receives FEE_RESTART_COUNTER with the number of restarts
// performed so far.
//
// Example usage:
//
//	sup := process.NewSupervisor(process.Config{
//	    Name:           "feeserver",
//	    Binary:         "/usr/local/bin/feeserver",
//	    Args:           []string{"-config", "/etc/feeserver/config.yaml"},
//	    RestartDelay:   2 * time.Second,
//	    RestartOnCrash: true,
//	})
//
//	code, err := sup.Run(ctx)
package process
