package transport

import "fmt"

var (
	errShortBuffer  = newError(InternalError, "buffer too short")
	errInvalidToken = newError(InvalidToken, "invalid token")
	errFlowControl  = newError(FlowControlError, "flow control violation")
)

// debugEnabled gates the package's verbose trace calls. It is a
// variable (not a const) so tests can flip it on to chase down a
// specific failure without recompiling with build tags.
var debugEnabled = false

// debug is a low-overhead trace hook; real diagnostics go through the
// qlog LogEvent stream attached via Conn.OnLogEvent, this is only for
// developing the core itself.
func debug(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	fmt.Printf(format+"\n", args...)
}

func sprint(args ...interface{}) string {
	return fmt.Sprint(args...)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
