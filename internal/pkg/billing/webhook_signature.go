package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"regexp"
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
)

var alphanumericID = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// SignatureHeader is the parsed form of "ts=<unix>,v1=<hex>".
type SignatureHeader struct {
	Timestamp string
	V1        string
}

func ParseSignatureHeader(header string) (SignatureHeader, bool) {
	var out SignatureHeader
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "ts":
			out.Timestamp = strings.TrimSpace(value)
		case "v1":
			out.V1 = strings.ToLower(strings.TrimSpace(value))
		}
	}
	return out, out.Timestamp != "" && out.V1 != ""
}

// SignatureManifest rebuilds the string the provider signs. Alphanumeric
// resource ids are lowercased; empty parts are left out.
func SignatureManifest(resourceID, requestID, ts string) string {
	var b strings.Builder
	if resourceID != "" {
		if alphanumericID.MatchString(resourceID) {
			resourceID = strings.ToLower(resourceID)
		}
		b.WriteString("id:" + resourceID + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	if ts != "" {
		b.WriteString("ts:" + ts + ";")
	}
	return b.String()
}

// SignManifest returns the hex HMAC-SHA256 of the manifest.
func SignManifest(secret, resourceID, requestID, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(SignatureManifest(resourceID, requestID, ts)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyNotificationSignature checks the signature header against secret.
// Without a secret the result is unverifiable; processing may continue
// with reduced trust.
func VerifyNotificationSignature(signatureHeader, requestID, resourceID, secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return models.SignatureUnverifiable
	}
	sig, ok := ParseSignatureHeader(signatureHeader)
	if !ok {
		return models.SignatureInvalid
	}
	expected, err := hex.DecodeString(sig.V1)
	if err != nil {
		return models.SignatureInvalid
	}
	manifest := SignatureManifest(resourceID, requestID, sig.Timestamp)
	if !verifyHMAC([]byte(manifest), expected, []byte(secret), sha256.New) {
		return models.SignatureInvalid
	}
	return models.SignatureVerified
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
