package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAndString(t *testing.T) {
	Version, GitCommit, BuildDate = "1.2.3", "abc123", "2026-10-01"
	t.Cleanup(func() { Version, GitCommit, BuildDate = "0.0.0", "unknown", "unknown" })

	assert.Equal(t, Info{Version: "1.2.3", Commit: "abc123", BuildDate: "2026-10-01"}, Get())
	assert.Equal(t, "1.2.3 (commit abc123, built 2026-10-01)", String())
}
