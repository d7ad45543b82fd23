package chat_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain enables goroutine leak detection: the orchestrator's grounding
// and memory lookups must all be joined before Send returns.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Docker client connections from testcontainers persist across tests
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		// The container reaper keeps its control connection open
		goleak.IgnoreTopFunction("github.com/testcontainers/testcontainers-go.(*Reaper).connect.func1"),
	)
}
