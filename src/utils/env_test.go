package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Run("set value wins over fallback", func(t *testing.T) {
		t.Setenv("TEST_STRING", "hello")
		assert.Equal(t, "hello", GetEnv("TEST_STRING", "fallback"))
	})

	t.Run("unset value yields fallback", func(t *testing.T) {
		assert.Equal(t, "fallback", GetEnv("TEST_UNSET_STRING", "fallback"))
	})
}

func TestGetEnvInt(t *testing.T) {
	t.Run("parses integers", func(t *testing.T) {
		t.Setenv("TEST_INT", "42")
		assert.Equal(t, 42, GetEnvInt("TEST_INT", 7))
	})

	t.Run("garbage falls back", func(t *testing.T) {
		t.Setenv("TEST_INT", "forty-two")
		assert.Equal(t, 7, GetEnvInt("TEST_INT", 7))
	})
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	assert.Equal(t, 0.25, GetEnvFloat("TEST_FLOAT", 1.0))
}

func TestGetEnvBool(t *testing.T) {
	t.Run("accepts true and 1", func(t *testing.T) {
		t.Setenv("TEST_BOOL", "true")
		assert.True(t, GetEnvBool("TEST_BOOL", false))

		t.Setenv("TEST_BOOL", "1")
		assert.True(t, GetEnvBool("TEST_BOOL", false))
	})

	t.Run("anything else is false", func(t *testing.T) {
		t.Setenv("TEST_BOOL", "yes")
		assert.False(t, GetEnvBool("TEST_BOOL", true))
	})
}

func TestGetEnvList(t *testing.T) {
	t.Run("splits on commas and trims", func(t *testing.T) {
		t.Setenv("TEST_LIST", " BTCUSDT, ETHUSDT ,,SOLUSDT")
		assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, GetEnvList("TEST_LIST"))
	})

	t.Run("unset yields nil", func(t *testing.T) {
		assert.Nil(t, GetEnvList("TEST_UNSET_LIST"))
	})
}
