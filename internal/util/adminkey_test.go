package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAdminKey(t *testing.T) {
	key, hash, err := GenerateAdminKey()
	require.NoError(t, err)

	assert.Len(t, key, AdminKeyLength)
	assert.NotContains(t, key, "=")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)))

	other, _, err := GenerateAdminKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}
