// Package vault はプライベートソースの資格情報を暗号化・復号する。
//
// トークン形式は base64(nonce):base64(ciphertext):base64(tag) で、AES-256-GCM を使用する。
// 鍵は初回利用時に一度だけ読み込まれ、未設定・不正な長さの場合は以降の全操作が失敗する。
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrKeyNotConfigured は暗号鍵が未設定の場合のエラー。
	ErrKeyNotConfigured = errors.New("credentials encryption key is not configured")
	// ErrInvalidKey は暗号鍵が32バイトでない場合のエラー。
	ErrInvalidKey = errors.New("credentials encryption key must be exactly 32 bytes")
	// ErrMalformedToken はトークンの形式が不正な場合のエラー。
	ErrMalformedToken = errors.New("malformed credentials token")
	// ErrTampered は認証タグの検証に失敗した場合のエラー。
	ErrTampered = errors.New("credentials token failed integrity check")
)

// Vault はAES-256-GCMによる資格情報の暗号化を提供する。
// 並行利用に対して安全。
type Vault struct {
	keySource func() string

	once    sync.Once
	aead    cipher.AEAD
	initErr error
}

// New はVaultを生成する。keySource は初回利用時に一度だけ呼び出される。
func New(keySource func() string) *Vault {
	return &Vault{keySource: keySource}
}

// NewWithKey は固定の鍵文字列でVaultを生成する。
func NewWithKey(key string) *Vault {
	return New(func() string { return key })
}

func (v *Vault) init() error {
	v.once.Do(func() {
		raw := ""
		if v.keySource != nil {
			raw = v.keySource()
		}
		key, err := decodeKey(raw)
		if err != nil {
			v.initErr = err
			return
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			v.initErr = fmt.Errorf("failed to create cipher: %w", err)
			return
		}
		aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
		if err != nil {
			v.initErr = fmt.Errorf("failed to create GCM: %w", err)
			return
		}
		v.aead = aead
	})
	return v.initErr
}

// decodeKey は鍵文字列を32バイトの鍵に変換する。
// 16進64文字、base64、生の32バイト文字列を受け付ける。
func decodeKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrKeyNotConfigured
	}
	if len(raw) == keySize*2 {
		if b, err := hex.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == keySize {
		return b, nil
	}
	if len(raw) == keySize {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("%w: got %d characters", ErrInvalidKey, len(raw))
}

// Encrypt は平文を暗号化してトークン文字列を返す。
// 同じ平文でも呼び出しごとに異なるトークンになる。
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if err := v.init(); err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(tag),
	}, ":"), nil
}

// Decrypt はトークン文字列を復号して平文を返す。
// 形式不正は ErrMalformedToken、改ざんは ErrTampered を返す。
func (v *Vault) Decrypt(token string) (string, error) {
	if err := v.init(); err != nil {
		return "", err
	}

	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 parts, got %d", ErrMalformedToken, len(parts))
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: invalid nonce", ErrMalformedToken)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext", ErrMalformedToken)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: invalid tag", ErrMalformedToken)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrTampered
	}
	return string(plaintext), nil
}

// EncryptJSON は値をJSONに変換して暗号化する。
func (v *Vault) EncryptJSON(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return v.Encrypt(string(data))
}

// DecryptJSON はトークンを復号してJSONとして値にデコードする。
func (v *Vault) DecryptJSON(token string, value any) error {
	plaintext, err := v.Decrypt(token)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plaintext), value); err != nil {
		return fmt.Errorf("%w: credentials are not valid JSON", ErrMalformedToken)
	}
	return nil
}

// GenerateKey は新しいランダムな32バイト鍵を16進文字列で返す。
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
