package compute

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseOperatorType tests tag resolution including the PECJ alias
func TestParseOperatorType(t *testing.T) {
	for _, name := range []string{"IAWJ", "IMA", "MSWJ", "AI", "LinearSVI",
		"MeanAQP", "IAWJSel", "LazyIAWJSel", "SHJ", "PRJ"} {
		op, err := ParseOperatorType(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, op.String())
	}

	// PECJ maps onto the IMA machinery
	op, err := ParseOperatorType("PECJ")
	require.NoError(t, err)
	assert.Equal(t, OpIMA, op)

	_, err = ParseOperatorType("NoSuchOp")
	assert.Error(t, err)
}

// TestParseConfigMap tests the string-map configuration surface
func TestParseConfigMap(t *testing.T) {
	cfg, err := ParseConfigMap(map[string]string{
		"window_len_us":  "2000000",
		"slide_len_us":   "500000",
		"operator_type":  "MeanAQP",
		"enable_aqp":     "true",
		"aqp_threshold":  "0.1",
		"timeout_ms":     "250",
		"join_sum":       "true",
		"watermark_tag":  "lateness",
		"lateness_ms":    "75",
		"stream_s_table": "s",
		"stream_r_table": "r",
		"result_table":   "out",
		"some_future_knob": "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2_000_000), cfg.WindowLenUS)
	assert.Equal(t, int64(500_000), cfg.SlideLenUS)
	assert.Equal(t, OpMeanAQP, cfg.Operator)
	assert.True(t, cfg.EnableAQP)
	assert.True(t, cfg.JoinSum)
	assert.Equal(t, WatermarkLateness, cfg.Watermark)
	assert.Equal(t, int64(75), cfg.LatenessMS)
	assert.Equal(t, "out", cfg.ResultTable)

	_, err = ParseConfigMap(map[string]string{"window_len_us": "not-a-number"})
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

// TestConfigValidate tests the invariant checks
func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig("s", "r", "out")
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.WindowLenUS = 0
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidConfig))

	bad = cfg
	bad.ResultTable = ""
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidConfig))

	bad = cfg
	bad.TimeoutMS = -1
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidConfig))
}
