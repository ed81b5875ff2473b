// Package compute runs windowed stream joins. The engine is stateless
// across windows: it holds only its configuration, its operator factory,
// and aggregated metrics, and never retains tuples between calls.
package compute

import (
	"fmt"
	"strconv"
)

// OperatorType tags the join algorithm variant.
type OperatorType int

const (
	OpIAWJ OperatorType = iota
	OpIMA
	OpMSWJ
	OpAI
	OpLinearSVI
	OpMeanAQP
	OpIAWJSel
	OpLazyIAWJSel
	OpSHJ
	OpPRJ
)

var operatorNames = map[string]OperatorType{
	"IAWJ":        OpIAWJ,
	"IMA":         OpIMA,
	"MSWJ":        OpMSWJ,
	"AI":          OpAI,
	"LinearSVI":   OpLinearSVI,
	"MeanAQP":     OpMeanAQP,
	"IAWJSel":     OpIAWJSel,
	"LazyIAWJSel": OpLazyIAWJSel,
	"SHJ":         OpSHJ,
	"PRJ":         OpPRJ,
	// PECJ is implemented by the IMA machinery
	"PECJ": OpIMA,
}

// String returns the operator tag's canonical spelling.
func (t OperatorType) String() string {
	switch t {
	case OpIAWJ:
		return "IAWJ"
	case OpIMA:
		return "IMA"
	case OpMSWJ:
		return "MSWJ"
	case OpAI:
		return "AI"
	case OpLinearSVI:
		return "LinearSVI"
	case OpMeanAQP:
		return "MeanAQP"
	case OpIAWJSel:
		return "IAWJSel"
	case OpLazyIAWJSel:
		return "LazyIAWJSel"
	case OpSHJ:
		return "SHJ"
	case OpPRJ:
		return "PRJ"
	default:
		return "unknown"
	}
}

// ParseOperatorType resolves a config tag to an operator type.
func ParseOperatorType(s string) (OperatorType, error) {
	t, ok := operatorNames[s]
	if !ok {
		return 0, fmt.Errorf("unknown operator type %q", s)
	}
	return t, nil
}

// WatermarkTag selects how the operator tracks progress.
type WatermarkTag int

const (
	WatermarkArrival WatermarkTag = iota
	WatermarkLateness
)

// Config is the compute engine's immutable configuration.
type Config struct {
	WindowLenUS int64
	SlideLenUS  int64
	Operator    OperatorType

	MaxDelayUS   int64
	AQPThreshold float64

	SBufferLen int
	RBufferLen int
	TimeStepUS int64

	Watermark       WatermarkTag
	WatermarkTimeMS int64
	LatenessMS      int64

	// JoinSum false counts pairs; true counts pairs weighted by the
	// average joined value
	JoinSum bool

	IMADisableCompensation bool
	MSWJCompensation       bool

	MaxMemoryBytes int64
	MaxThreads     int
	EnableAQP      bool
	EnableSIMD     bool
	TimeoutMS      int64

	StreamSTable string
	StreamRTable string
	ResultTable  string
}

// DefaultConfig returns a workable configuration for the named tables.
func DefaultConfig(streamS, streamR, result string) Config {
	return Config{
		WindowLenUS:  1_000_000,
		SlideLenUS:   1_000_000,
		Operator:     OpIAWJ,
		MaxDelayUS:   100_000,
		AQPThreshold: 0.05,
		SBufferLen:   4096,
		RBufferLen:   4096,
		TimeStepUS:   1000,
		TimeoutMS:    10_000,
		EnableAQP:    false,
		StreamSTable: streamS,
		StreamRTable: streamR,
		ResultTable:  result,
	}
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.WindowLenUS <= 0 {
		return fmt.Errorf("%w: window length must be positive", ErrInvalidConfig)
	}
	if c.SlideLenUS <= 0 {
		return fmt.Errorf("%w: slide length must be positive", ErrInvalidConfig)
	}
	if c.StreamSTable == "" || c.StreamRTable == "" || c.ResultTable == "" {
		return fmt.Errorf("%w: table names must not be empty", ErrInvalidConfig)
	}
	if _, ok := operatorNames[c.Operator.String()]; !ok {
		return fmt.Errorf("%w: unknown operator tag %d", ErrInvalidConfig, c.Operator)
	}
	if c.TimeoutMS < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ParseConfigMap builds a Config from a string map using the recognized
// keys. Unknown keys are ignored; numeric values use the standard parsers.
func ParseConfigMap(m map[string]string) (Config, error) {
	cfg := DefaultConfig(m["stream_s_table"], m["stream_r_table"], m["result_table"])

	var err error
	for key, value := range m {
		switch key {
		case "window_len_us":
			cfg.WindowLenUS, err = strconv.ParseInt(value, 10, 64)
		case "slide_len_us":
			cfg.SlideLenUS, err = strconv.ParseInt(value, 10, 64)
		case "operator_type":
			cfg.Operator, err = ParseOperatorType(value)
		case "max_delay_us":
			cfg.MaxDelayUS, err = strconv.ParseInt(value, 10, 64)
		case "aqp_threshold":
			cfg.AQPThreshold, err = strconv.ParseFloat(value, 64)
		case "s_buffer_len":
			cfg.SBufferLen, err = strconv.Atoi(value)
		case "r_buffer_len":
			cfg.RBufferLen, err = strconv.Atoi(value)
		case "time_step_us":
			cfg.TimeStepUS, err = strconv.ParseInt(value, 10, 64)
		case "watermark_tag":
			switch value {
			case "arrival":
				cfg.Watermark = WatermarkArrival
			case "lateness":
				cfg.Watermark = WatermarkLateness
			default:
				err = fmt.Errorf("unknown watermark tag %q", value)
			}
		case "watermark_time_ms":
			cfg.WatermarkTimeMS, err = strconv.ParseInt(value, 10, 64)
		case "lateness_ms":
			cfg.LatenessMS, err = strconv.ParseInt(value, 10, 64)
		case "join_sum":
			cfg.JoinSum, err = strconv.ParseBool(value)
		case "ima_disable_compensation":
			cfg.IMADisableCompensation, err = strconv.ParseBool(value)
		case "mswj_compensation":
			cfg.MSWJCompensation, err = strconv.ParseBool(value)
		case "max_memory_bytes":
			cfg.MaxMemoryBytes, err = strconv.ParseInt(value, 10, 64)
		case "max_threads":
			cfg.MaxThreads, err = strconv.Atoi(value)
		case "enable_aqp":
			cfg.EnableAQP, err = strconv.ParseBool(value)
		case "enable_simd":
			cfg.EnableSIMD, err = strconv.ParseBool(value)
		case "timeout_ms":
			cfg.TimeoutMS, err = strconv.ParseInt(value, 10, 64)
		case "stream_s_table":
			cfg.StreamSTable = value
		case "stream_r_table":
			cfg.StreamRTable = value
		case "result_table":
			cfg.ResultTable = value
		}
		if err != nil {
			return cfg, fmt.Errorf("%w: key %s: %v", ErrInvalidConfig, key, err)
		}
	}
	return cfg, nil
}
