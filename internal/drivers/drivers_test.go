package drivers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryKinds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"gpio", "host", "speedtest", "switch", "systemd"}, Registry().Kinds())
}
