package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("sync")
		IncRun("host@example.com", "completed")
		IncItem("host@example.com", "inserted")
		IncIMAPError("host@example.com", "network")
		ObserveRunDuration("host@example.com", 3*time.Second)
	})
}
