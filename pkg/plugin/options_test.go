package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntOption(t *testing.T) {
	cfg := map[string]any{"a": 3, "b": float64(4), "c": 1.5, "d": "x"}

	n, err := IntOption(cfg, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = IntOption(cfg, "b", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = IntOption(cfg, "missing", 9)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	_, err = IntOption(cfg, "c", 0)
	assert.Error(t, err)
	_, err = IntOption(cfg, "d", 0)
	assert.Error(t, err)
}

func TestStringAndBoolOptions(t *testing.T) {
	cfg := map[string]any{"s": "v", "b": true, "n": 1}

	s, err := StringOption(cfg, "s", "")
	require.NoError(t, err)
	assert.Equal(t, "v", s)
	_, err = StringOption(cfg, "n", "")
	assert.Error(t, err)

	b, err := BoolOption(cfg, "b", false)
	require.NoError(t, err)
	assert.True(t, b)
	_, err = BoolOption(cfg, "s", false)
	assert.Error(t, err)

	b, err = BoolOption(nil, "b", true)
	require.NoError(t, err)
	assert.True(t, b)
}

func TestDurationOption(t *testing.T) {
	d, err := DurationOption(map[string]any{"t": "250ms"}, "t", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = DurationOption(nil, "t", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = DurationOption(map[string]any{"t": "soon"}, "t", 0)
	assert.Error(t, err)
}

func TestStringsOption(t *testing.T) {
	got, err := StringsOption(map[string]any{"l": []any{"a", "b"}}, "l")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	_, err = StringsOption(map[string]any{"l": []any{"a", 1}}, "l")
	assert.Error(t, err)

	got, err = StringsOption(map[string]any{}, "l")
	require.NoError(t, err)
	assert.Nil(t, got)
}
