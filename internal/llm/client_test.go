package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		expectErr bool
		expected  string
	}{
		{
			name:     "plain_json_object",
			content:  `{"transactions": []}`,
			expected: `{"transactions": []}`,
		},
		{
			name:     "json_with_surrounding_whitespace",
			content:  "\n  {\"count\": 3}\n",
			expected: `{"count": 3}`,
		},
		{
			name:     "fenced_json_block",
			content:  "Here is the result:\n```json\n{\"count\": 2}\n```\nDone.",
			expected: `{"count": 2}`,
		},
		{
			name:     "fenced_block_without_language_tag",
			content:  "```\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:      "prose_only",
			content:   "I could not find any transactions in this document.",
			expectErr: true,
		},
		{
			name:      "unterminated_fence",
			content:   "```json\n{\"a\": 1}",
			expectErr: true,
		},
		{
			name:      "fenced_block_with_invalid_json",
			content:   "```json\nnot json at all\n```",
			expectErr: true,
		},
		{
			name:      "empty_content",
			content:   "",
			expectErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := DecodeJSON(tc.content)
			if tc.expectErr {
				require.Error(t, err)
				var malformed *MalformedResponseError
				require.True(t, errors.As(err, &malformed))
				assert.Equal(t, tc.content, malformed.Content)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tc.expected, string(raw))
		})
	}
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 1.0, Clamp01(1.7))
	assert.Equal(t, 0.85, Clamp01(0.85))
}
