// Package gateway implements the signed-redirect protocol of the external
// payment provider: the pay URL carries sorted, HMAC-SHA512-signed query
// params, and the provider calls back with the same signing scheme.
package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Well-known protocol params.
const (
	ParamSignature    = "secure_hash"
	ParamTxnRef       = "txn_ref"
	ParamAmount       = "amount"
	ParamResponseCode = "response_code"
	ParamTxnID        = "transaction_id"
	ParamOrderInfo    = "order_info"
	ParamReturnURL    = "return_url"
)

// CodeSuccess is the provider's response code for an approved payment.
const CodeSuccess = "00"

type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign computes the hex HMAC-SHA512 of the canonical query string: params
// sorted by key, url-encoded, joined with '&'. The signature param itself
// is never part of the signed data.
func (s *Signer) Sign(params map[string]string) string {
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(canonical(params)))

	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature in constant time. Params may still contain
// the signature key; it is excluded from the canonical form.
func (s *Signer) Verify(params map[string]string, signature string) bool {
	expected := s.Sign(params)

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// BuildRedirectURL renders the full pay URL with the signature appended.
func (s *Signer) BuildRedirectURL(payURL string, params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		if k == ParamSignature {
			continue
		}
		values.Set(k, v)
	}
	values.Set(ParamSignature, s.Sign(params))

	return payURL + "?" + values.Encode()
}

func canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == ParamSignature {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(params[k]))
	}

	return strings.Join(pairs, "&")
}
