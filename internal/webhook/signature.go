package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sort"
)

// identifySender checks the signature header against every configured
// (repository, secret) pair and returns the sorted set of repository names
// whose secret reproduces it. The sender's identity is not known before the
// signature is checked, so the signature itself disambiguates it; a
// repository claim in the payload is honored only if it appears in this set.
//
// Comparison is constant-time (crypto/subtle) to prevent timing attacks.
func identifySender(body []byte, signature string, secrets map[string]string) []string {
	if signature == "" {
		return nil
	}

	var matched []string
	for repo, secret := range secrets {
		if secret == "" {
			continue
		}
		expected := SignBody(body, secret)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1 {
			matched = append(matched, repo)
		}
	}

	sort.Strings(matched)
	return matched
}

// SignBody computes the signature header value for body under secret:
// "sha256=" + hex(HMAC-SHA256(secret, body)).
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
