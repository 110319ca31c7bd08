package cli

import (
	"os"
	"syscall"
)

// shutdownSignals stop a tailing command. Only os.Interrupt is delivered on
// Windows.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
