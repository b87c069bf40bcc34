// Package crypto implements the sealed-token envelope used by Mostro mobile
// clients to register device tokens without exposing them on the wire.
//
// Clients generate an ephemeral secp256k1 keypair, derive a shared secret
// against the server's static public key (ECDH, libsecp256k1-style hashed
// point), expand it with HKDF-SHA256 and encrypt a fixed-size padded payload
// with ChaCha20-Poly1305. The server only ever needs the decrypt direction;
// Seal exists as the reference encryptor and for tests.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfSalt = "mostro-push-v1"
	hkdfInfo = "mostro-token-encryption"

	paddedPayloadSize   = 220
	ephemeralPubkeySize = 33
	nonceSize           = 12
	authTagSize         = 16

	// EncryptedTokenSize is the exact envelope length clients must produce:
	// ephemeral pubkey || nonce || ciphertext(padded payload) || auth tag.
	EncryptedTokenSize = ephemeralPubkeySize + nonceSize + paddedPayloadSize + authTagSize

	// MaxTokenLen is the longest device token that fits in the padded payload.
	MaxTokenLen = paddedPayloadSize - 3
)

// Platform is the wire byte identifying the mobile OS of a registration.
type Platform byte

const (
	PlatformIOS     Platform = 0x01
	PlatformAndroid Platform = 0x02
)

// Valid reports whether p is a known platform byte.
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

func (p Platform) String() string {
	switch p {
	case PlatformIOS:
		return "ios"
	case PlatformAndroid:
		return "android"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(p))
	}
}

var (
	ErrInvalidSecretKey    = errors.New("invalid secret key")
	ErrInvalidTokenSize    = errors.New("invalid encrypted token size")
	ErrInvalidEphemeralKey = errors.New("invalid ephemeral public key")
	ErrDecryptFailed       = errors.New("decryption failed")
	ErrInvalidPayload      = errors.New("invalid decrypted payload")
	ErrInvalidPlatform     = errors.New("invalid platform identifier")
)

// TokenCrypto holds the server's static keypair and opens sealed tokens.
type TokenCrypto struct {
	secretKey *btcec.PrivateKey
	publicKey *btcec.PublicKey
}

// New parses a 64-char hex secp256k1 secret key.
func New(secretKeyHex string) (*TokenCrypto, error) {
	raw, err := hex.DecodeString(secretKeyHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidSecretKey
	}
	priv, pub := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, ErrInvalidSecretKey
	}
	return &TokenCrypto{secretKey: priv, publicKey: pub}, nil
}

// PublicKey returns the server's static public key.
func (c *TokenCrypto) PublicKey() *btcec.PublicKey {
	return c.publicKey
}

// PublicKeyHex returns the compressed public key as lowercase hex, the form
// published to clients via /api/info.
func (c *TokenCrypto) PublicKeyHex() string {
	return hex.EncodeToString(c.publicKey.SerializeCompressed())
}

// Open decrypts a sealed token envelope and returns the platform byte and
// the plaintext device token. It never returns partially decrypted data.
func (c *TokenCrypto) Open(ciphertext []byte) (Platform, string, error) {
	if len(ciphertext) != EncryptedTokenSize {
		return 0, "", fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidTokenSize, EncryptedTokenSize, len(ciphertext))
	}

	ephemeral, err := btcec.ParsePubKey(ciphertext[:ephemeralPubkeySize])
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidEphemeralKey, err)
	}

	key, err := deriveKey(c.secretKey, ephemeral)
	if err != nil {
		return 0, "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return 0, "", err
	}

	nonce := ciphertext[ephemeralPubkeySize : ephemeralPubkeySize+nonceSize]
	padded, err := aead.Open(nil, nonce, ciphertext[ephemeralPubkeySize+nonceSize:], nil)
	if err != nil {
		return 0, "", ErrDecryptFailed
	}
	if len(padded) != paddedPayloadSize {
		return 0, "", fmt.Errorf("%w: %d bytes after decryption", ErrInvalidPayload, len(padded))
	}

	tokenLen := int(binary.BigEndian.Uint16(padded[1:3]))
	if tokenLen > MaxTokenLen {
		return 0, "", fmt.Errorf("%w: token length %d exceeds maximum", ErrInvalidPayload, tokenLen)
	}

	platform := Platform(padded[0])
	if !platform.Valid() {
		return 0, "", ErrInvalidPlatform
	}

	token := padded[3 : 3+tokenLen]
	if !utf8.Valid(token) {
		return 0, "", fmt.Errorf("%w: token is not valid UTF-8", ErrInvalidPayload)
	}

	return platform, string(token), nil
}

// Seal encrypts a device token against the given server public key. Each
// call uses a fresh ephemeral key and nonce, so sealing the same token twice
// yields different ciphertexts.
func Seal(serverPub *btcec.PublicKey, platform Platform, token string) ([]byte, error) {
	if !platform.Valid() {
		return nil, ErrInvalidPlatform
	}
	if len(token) > MaxTokenLen {
		return nil, fmt.Errorf("%w: token length %d exceeds maximum", ErrInvalidPayload, len(token))
	}

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(ephemeral, serverPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	padded := make([]byte, paddedPayloadSize)
	padded[0] = byte(platform)
	binary.BigEndian.PutUint16(padded[1:3], uint16(len(token)))
	copy(padded[3:], token)
	if _, err := rand.Read(padded[3+len(token):]); err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, EncryptedTokenSize)
	out = append(out, ephemeral.PubKey().SerializeCompressed()...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, padded, nil)
	return out, nil
}

// deriveKey computes the ChaCha20-Poly1305 key for a (private, public) pair.
// The ECDH secret is the SHA-256 of the compressed shared point, matching
// libsecp256k1's default hashed ECDH used by the mobile clients.
func deriveKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) ([]byte, error) {
	x, y := pub.ToECDSA().Curve.ScalarMult(pub.X(), pub.Y(), priv.Serialize())

	point := make([]byte, ephemeralPubkeySize)
	if y.Bit(0) == 0 {
		point[0] = 0x02
	} else {
		point[0] = 0x03
	}
	x.FillBytes(point[1:])
	secret := sha256.Sum256(point)

	reader := hkdf.New(sha256.New, secret[:], []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
