package pushapi

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// signedURL builds the request URL with the provider's auth query:
// auth_key, auth_timestamp, auth_version, body_md5 (when a body is
// present) and an HMAC-SHA256 auth_signature over
// "METHOD\npath\nsorted-query" keyed by the app secret.
func (c *Client) signedURL(method, path string, body []byte, extra url.Values) string {
	params := url.Values{}
	for k, vs := range extra {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	params.Set("auth_key", c.cfg.Key)
	params.Set("auth_timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	params.Set("auth_version", "1.0")
	if len(body) > 0 {
		sum := md5.Sum(body)
		params.Set("body_md5", hex.EncodeToString(sum[:]))
	}

	// Encode sorts keys, which is exactly the canonical form the
	// signature is defined over.
	toSign := method + "\n" + path + "\n" + params.Encode()
	mac := hmac.New(sha256.New, []byte(c.cfg.Secret))
	mac.Write([]byte(toSign))
	params.Set("auth_signature", hex.EncodeToString(mac.Sum(nil)))

	return c.cfg.BaseURL + path + "?" + params.Encode()
}
