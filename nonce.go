package authbroker

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync/atomic"
)

// The secret key is 128 bytes of OS randomness, read once at broker startup.
// 128 bytes of key material is far beyond the SHA256 block size, so every bit
// of the HMAC output is unpredictable to anyone who does not hold the key.
const secretKeyLength = 128

var ErrKeyUninitialized = errors.New("Secret key not initialized")

// secretKey mints the unguessable identifiers used for conversation ids,
// session cookies and CSRF tokens. The counter only needs to be unique, not
// secret; uniqueness of the output follows from HMAC over a never-repeating
// input.
type secretKey struct {
	key     []byte
	counter uint64
}

func newSecretKey() (*secretKey, error) {
	k := &secretKey{}
	k.key = make([]byte, secretKeyLength)
	if _, err := rand.Read(k.key); err != nil {
		return nil, NewError(ErrKeyUninitialized, err.Error())
	}
	return k, nil
}

// Nonce returns the lowercase hex HMAC-SHA256 of the post-incremented
// counter. Collisions are not handled; under standard cryptographic
// assumptions they do not occur within the lifetime of a broker.
func (x *secretKey) Nonce() string {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], atomic.AddUint64(&x.counter, 1))
	mac := hmac.New(sha256.New, x.key)
	mac.Write(seed[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// Zero overwrites the key material. The secretKey is unusable afterwards.
func (x *secretKey) Zero() {
	wipeBytes(x.key)
	x.key = nil
}
