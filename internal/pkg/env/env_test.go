package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvPrefersLoadedFile(t *testing.T) {
	t.Setenv("ZT_TEST_KEY", "from-os")
	Env = map[string]string{"ZT_TEST_KEY": "from-file"}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, "from-file", GetEnv("ZT_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("ZT_TEST_MISSING", "def"))

	delete(Env, "ZT_TEST_KEY")
	assert.Equal(t, "from-os", GetEnv("ZT_TEST_KEY", "def"))
}

func TestEnvironmentMergesSources(t *testing.T) {
	t.Setenv("ZT_TEST_A", "os")
	t.Setenv("ZT_TEST_B", "os")
	Env = map[string]string{"ZT_TEST_B": "file"}
	t.Cleanup(func() { Env = nil })

	merged := Environment()
	assert.Equal(t, "os", merged["ZT_TEST_A"])
	assert.Equal(t, "file", merged["ZT_TEST_B"])
}
