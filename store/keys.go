package store

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
	"strings"
)

const (
	KeyMinLength = 40
	KeyMaxLength = 60
)

// BannedKeyChars never appear in a raw key; they would require escaping in
// shells, JSON and the project token's key:project form.
const BannedKeyChars = `"'\:`

// KeyChars is the raw key alphabet: printable ASCII letters, digits and
// punctuation minus the banned set.
var KeyChars = buildKeyChars()

func buildKeyChars() string {
	var b strings.Builder
	for c := byte('!'); c <= '~'; c++ {
		if strings.IndexByte(BannedKeyChars, c) >= 0 {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// GenerateKey returns a fresh API key: a 40-60 character random string from
// the restricted alphabet, URL-safe base64 encoded.
func GenerateKey() string {
	n := KeyMinLength + randInt(KeyMaxLength-KeyMinLength+1)

	raw := make([]byte, n)
	for i := range raw {
		raw[i] = KeyChars[randInt(len(KeyChars))]
	}

	return base64.URLEncoding.EncodeToString(raw)
}

// DecodeKey reverses the key encoding; used by validation and tests.
func DecodeKey(key string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(key)
}

func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err) // crypto/rand failure means the host is broken
	}
	return int(v.Int64())
}
