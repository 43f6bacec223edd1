package modules

import (
	"fmt"

	"github.com/flytohub/flyto-core-sub001/internal/types"
)

// Legacy routing fields carried in flow-control results.
const (
	LegacyNextStep   = "next_step"
	LegacyEvent      = "__event__"
	LegacyPorts      = "__ports__"
	LegacySetContext = "__set_context"
)

// TranslateLegacy converts routing fields in a flow-control result into
// control signals. The returned data has those fields removed. Results
// from other modules, or results without legacy fields, are returned as is.
func TranslateLegacy(moduleID string, data any) (any, []types.ControlSignal) {
	if !IsFlowControl(moduleID) {
		return data, nil
	}
	m, ok := data.(map[string]any)
	if !ok {
		return data, nil
	}

	var signals []types.ControlSignal
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	if values, ok := out[LegacySetContext].(map[string]any); ok {
		signals = append(signals, types.SetContext{Values: values})
		delete(out, LegacySetContext)
	}

	if next, ok := out[LegacyNextStep].(string); ok && next != "" {
		signals = append(signals, types.Goto{StepID: next})
		delete(out, LegacyNextStep)
	} else if event, ok := out[LegacyEvent]; ok {
		if target := portTarget(out[LegacyPorts], fmt.Sprint(event)); target != "" {
			signals = append(signals, types.Goto{StepID: target})
		}
		delete(out, LegacyEvent)
		delete(out, LegacyPorts)
	}

	if len(signals) == 0 {
		return data, nil
	}
	return out, signals
}

func portTarget(ports any, event string) string {
	switch p := ports.(type) {
	case map[string]any:
		if s, ok := p[event].(string); ok {
			return s
		}
	case map[string]string:
		return p[event]
	}
	return ""
}
