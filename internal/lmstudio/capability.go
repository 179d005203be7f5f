package lmstudio

import (
	"log/slog"
	"sync/atomic"
)

// ResponseFormatMode is how strongly a request asks for structured output.
// Modes only ever move forward: json_object, then json_schema, then none.
type ResponseFormatMode int32

const (
	FormatJSONObject ResponseFormatMode = iota
	FormatJSONSchema
	FormatNone
)

func (m ResponseFormatMode) String() string {
	switch m {
	case FormatJSONObject:
		return "json_object"
	case FormatJSONSchema:
		return "json_schema"
	default:
		return "none"
	}
}

// Capabilities records what the inference server has been observed to
// accept. State starts optimistic and only narrows for the life of the
// process.
type Capabilities struct {
	format    atomic.Int32
	reasoning atomic.Bool
	logger    *slog.Logger
}

// NewCapabilities returns optimistic capabilities.
func NewCapabilities(logger *slog.Logger) *Capabilities {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Capabilities{logger: logger}
	c.format.Store(int32(FormatJSONObject))
	c.reasoning.Store(true)
	return c
}

// ResponseFormat returns the current mode.
func (c *Capabilities) ResponseFormat() ResponseFormatMode {
	return ResponseFormatMode(c.format.Load())
}

// ReasoningSupported reports whether reasoning-control fields are still sent.
func (c *Capabilities) ReasoningSupported() bool {
	return c.reasoning.Load()
}

// DemoteResponseFormat moves the mode forward to target. It never moves
// backward; concurrent demotions settle on the furthest mode. Reports
// whether this call changed the state.
func (c *Capabilities) DemoteResponseFormat(target ResponseFormatMode) bool {
	for {
		current := c.format.Load()
		if ResponseFormatMode(current) >= target {
			return false
		}
		if c.format.CompareAndSwap(current, int32(target)) {
			c.logger.Info("lmstudio: capability change",
				"response_format", target.String(), "previous", ResponseFormatMode(current).String())
			return true
		}
	}
}

// DisableReasoning stops sending reasoning-control fields.
func (c *Capabilities) DisableReasoning() bool {
	if c.reasoning.CompareAndSwap(true, false) {
		c.logger.Info("lmstudio: capability change", "reasoning_controls", false)
		return true
	}
	return false
}
