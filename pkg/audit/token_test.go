package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateApprovalToken(t *testing.T) {
	plaintext, hash, err := GenerateApprovalToken()
	require.NoError(t, err)

	assert.True(t, IsValidTokenFormat(plaintext))
	assert.Len(t, hash, 64)
	assert.Equal(t, HashToken(plaintext), hash)
}

func TestGenerateApprovalToken_Distinct(t *testing.T) {
	p1, h1, err := GenerateApprovalToken()
	require.NoError(t, err)
	p2, h2, err := GenerateApprovalToken()
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.NotEqual(t, h1, h2)
}

func TestHashToken_Deterministic(t *testing.T) {
	plaintext := "cortex_apr_1_abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOpq"
	assert.Equal(t, HashToken(plaintext), HashToken(plaintext))
}

func TestIsValidTokenFormat(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{name: "wrong prefix", token: "cortex_apr_2_abc", want: false},
		{name: "missing prefix", token: "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOpq", want: false},
		{name: "invalid base64 char", token: "cortex_apr_1_!!!defghijklmnopqrstuvwxyzABCDEFGHIJKLMNOpq", want: false},
		{name: "too short", token: "cortex_apr_1_abc", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidTokenFormat(tt.token))
		})
	}

	plaintext, _, err := GenerateApprovalToken()
	require.NoError(t, err)
	assert.True(t, IsValidTokenFormat(plaintext))
}

func TestConstantTimeEqualHash(t *testing.T) {
	_, hash, err := GenerateApprovalToken()
	require.NoError(t, err)

	assert.True(t, ConstantTimeEqualHash(hash, hash))
	assert.False(t, ConstantTimeEqualHash(hash, "0000000000000000000000000000000000000000000000000000000000000"))
}
