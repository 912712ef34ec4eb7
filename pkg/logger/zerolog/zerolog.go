// Package zerolog provides a zerolog-backed implementation of logger.Logger
// for applications already standardized on zerolog.
package zerolog

import (
	"github.com/rs/zerolog"
)

type Handler struct {
	logger zerolog.Logger
}

// New wraps an existing zerolog.Logger.
func New(l zerolog.Logger) *Handler {
	return &Handler{logger: l}
}

func (h *Handler) Error(msg string, args ...any) {
	h.logger.Error().Fields(fields(args)).Msg(msg)
}

func (h *Handler) Warn(msg string, args ...any) {
	h.logger.Warn().Fields(fields(args)).Msg(msg)
}

func (h *Handler) Info(msg string, args ...any) {
	h.logger.Info().Fields(fields(args)).Msg(msg)
}

func (h *Handler) Debug(msg string, args ...any) {
	h.logger.Debug().Fields(fields(args)).Msg(msg)
}

// fields converts alternating key/value args into a zerolog fields map.
// A trailing key without a value is recorded with a nil value.
func fields(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m := make(map[string]any, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if i+1 < len(args) {
			m[key] = args[i+1]
		} else {
			m[key] = nil
		}
	}
	return m
}
