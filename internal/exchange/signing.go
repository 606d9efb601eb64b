package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// binanceSignature is the hex HMAC-SHA256 of the encoded query string.
func binanceSignature(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// krakenAuthent computes the Kraken Futures Authent header:
// base64(HMAC-SHA512(base64decode(secret), SHA256(postData + nonce + path))).
// path is the endpoint without the /derivatives prefix.
func krakenAuthent(secret, postData, nonce, path string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	digest := sha256.Sum256([]byte(postData + nonce + path))
	mac := hmac.New(sha512.New, key)
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
