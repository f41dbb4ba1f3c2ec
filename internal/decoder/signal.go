// SPDX-License-Identifier: MIT

package decoder

import "syscall"

// syscallSignalZero probes process liveness via Signal(0) without
// actually delivering a signal.
const syscallSignalZero = syscall.Signal(0)
