package capture

import (
	"strings"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
)

// ExpressionValues renders every evaluated expression as a single line, for
// substitution into a log message. Objects show their direct members only.
func (s *Snapshot) ExpressionValues() []string {
	out := make([]string, len(s.EvaluatedExpressions))
	for i, v := range s.EvaluatedExpressions {
		out[i] = s.render(v, 0)
	}
	return out
}

func (s *Snapshot) render(v *breakpoint.Variable, depth int) string {
	idx := v.Index()
	if idx < 0 {
		if v.Value == "" && v.Status != nil && v.Status.IsError {
			return "<" + statusText(v.Status) + ">"
		}
		return v.Value
	}
	if idx >= len(s.VariableTable) {
		return ""
	}

	e := s.VariableTable[idx]
	if idx < numSentinels {
		return "<" + statusText(e.Status) + ">"
	}
	if depth > 0 || len(e.Members) == 0 {
		return e.Value
	}

	parts := make([]string, len(e.Members))
	for i, m := range e.Members {
		parts[i] = m.Name + ": " + s.render(m, depth+1)
	}
	return e.Value + " {" + strings.Join(parts, ", ") + "}"
}

func statusText(st *breakpoint.StatusMessage) string {
	if st == nil {
		return ""
	}
	return breakpoint.FormatLogMessage(st.Description.Format, st.Description.Parameters)
}
