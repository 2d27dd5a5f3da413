package util

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const AdminKeyLength = 32

func generateRandomString(length int) (string, error) {
	b := make([]byte, (length*3+3)/4+2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	str := base64.URLEncoding.EncodeToString(b)
	str = strings.ReplaceAll(str, "-", "")
	str = strings.ReplaceAll(str, "_", "")
	str = strings.TrimRight(str, "=")
	if len(str) > length {
		return str[:length], nil
	}
	return str, nil
}

// GenerateAdminKey returns a fresh unbind key and the bcrypt hash to put in
// binding.adminKeyHash. Only the hash is ever stored.
func GenerateAdminKey() (key string, hash string, err error) {
	key, err = generateRandomString(AdminKeyLength)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate admin key: %w", err)
	}

	hash, err = HashAdminKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

func HashAdminKey(key string) (string, error) {
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash admin key: %w", err)
	}
	return string(hashBytes), nil
}
