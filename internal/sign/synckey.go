package sign

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	syncKeyPrefix = "sync_"
	syncHashLen   = 32
	syncSaltLen   = 32
)

// SyncSecret is the deterministic `sync_<hash32>` value every key derived
// from the same credentials shares. It doubles as the HMAC secret when the
// configuration carries credentials instead of an explicit secret.
func SyncSecret(credentials ...string) (string, error) {
	for _, c := range credentials {
		if c == "" {
			return "", errors.New("missing credential for sync key derivation")
		}
	}
	sum := sha3.Sum256([]byte(strings.Join(credentials, ":")))
	return syncKeyPrefix + hex.EncodeToString(sum[:])[:syncHashLen], nil
}

// DeriveSyncKey mints a `sync_<hash32><salt32>` key: the deterministic
// SyncSecret plus a salt that is random per issuance and never compared.
func DeriveSyncKey(credentials ...string) (string, error) {
	secret, err := SyncSecret(credentials...)
	if err != nil {
		return "", err
	}
	salt := make([]byte, syncSaltLen/2)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return secret + hex.EncodeToString(salt), nil
}

// ValidateSyncKey checks a presented key against our own derivation. Only the
// deterministic hash portion is compared; the salt is peer-local.
func ValidateSyncKey(key string, credentials ...string) bool {
	if !strings.HasPrefix(key, syncKeyPrefix) {
		return false
	}
	body := key[len(syncKeyPrefix):]
	if len(body) != syncHashLen+syncSaltLen {
		return false
	}
	hash := body[:syncHashLen]
	salt := body[syncHashLen:]
	if !isHex(hash) || !isHex(salt) {
		return false
	}
	ours, err := SyncSecret(credentials...)
	if err != nil {
		return false
	}
	return hash == ours[len(syncKeyPrefix):]
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
