package breakpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatLogMessage(t *testing.T) {
	tests := []struct {
		format string
		values []string
		want   string
	}{
		{"plain text", nil, "plain text"},
		{"n is $0", []string{"5"}, "n is 5"},
		{"$1 before $0", []string{"a", "b"}, "b before a"},
		{"cost: $$10", nil, "cost: $10"},
		{"$$0 is literal", []string{"x"}, "$0 is literal"},
		{"missing $3", []string{"a"}, "missing $3"},
		{"trailing $", []string{"a"}, "trailing $"},
		{"$x stays", nil, "$x stays"},
		{"$0$0", []string{"ab"}, "abab"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatLogMessage(tt.format, tt.values))
		})
	}
}
