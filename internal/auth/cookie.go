package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// CookieCodec seals device credentials into the browser setup cookie.
// The key is ephemeral per process: restarting the server invalidates
// every outstanding cookie, which is the intended lifetime.
type CookieCodec struct {
	aead cipher.AEAD
}

// cookiePayload is the JSON sealed inside the cookie.
type cookiePayload struct {
	DeviceID     string `json:"deviceId"`
	DeviceSecret string `json:"deviceSecret"`
}

// NewCookieCodec generates a fresh 32-byte key and builds the codec.
func NewCookieCodec() (*CookieCodec, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &CookieCodec{aead: aead}, nil
}

// Seal encrypts credentials into the <iv>:<tag>:<ciphertext> hex format.
func (c *CookieCodec) Seal(deviceID, deviceSecret string) (string, error) {
	plain, err := json.Marshal(cookiePayload{DeviceID: deviceID, DeviceSecret: deviceSecret})
	if err != nil {
		return "", err
	}
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nil, iv, plain, nil)
	// Seal appends the tag; the cookie format carries it separately.
	tagStart := len(sealed) - c.aead.Overhead()
	ct, tag := sealed[:tagStart], sealed[tagStart:]
	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ct)), nil
}

// Open decrypts a cookie produced by Seal.
func (c *CookieCodec) Open(cookie string) (deviceID, deviceSecret string, err error) {
	parts := strings.Split(cookie, ":")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("malformed session cookie")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", "", fmt.Errorf("malformed session cookie iv")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("malformed session cookie tag")
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", "", fmt.Errorf("malformed session cookie ciphertext")
	}
	plain, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", "", fmt.Errorf("session cookie failed authentication")
	}
	var payload cookiePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return "", "", err
	}
	return payload.DeviceID, payload.DeviceSecret, nil
}
