package federation

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// Signature engine errors. Verification failures map to 401 at the inbox.
var (
	ErrSigningKeyMissing = errors.New("signing key missing")
	ErrDigestMismatch    = errors.New("digest mismatch")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrDateOutOfWindow   = errors.New("date out of window")
)

var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

// SignRequest signs an outgoing HTTP request with the given private key.
// Date and Digest headers are set here so the signature covers them.
// keyID format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, body []byte, privateKeyPem string, keyID string) error {
	if strings.TrimSpace(privateKeyPem) == "" {
		return ErrSigningKeyMissing
	}
	privateKey, err := ParsePrivateKey(privateKeyPem)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSigningKeyMissing, err)
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyID, req, body)
}

// VerifyRequest verifies the digest, date window and HTTP signature on an
// incoming request against the supplied public key. Returns the keyId the
// request was signed with.
func VerifyRequest(req *http.Request, body []byte, publicKeyPem string, maxSkew time.Duration) (string, error) {
	if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
		return "", err
	}

	if err := verifyDate(req.Header.Get("Date"), maxSkew); err != nil {
		return "", err
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	rsaPubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if err := verifier.Verify(rsaPubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	return verifier.KeyId(), nil
}

// Digest computes the Digest header value for a request body.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

func verifyDigest(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("%w: digest header missing", ErrDigestMismatch)
	}
	if header != Digest(body) {
		return ErrDigestMismatch
	}
	return nil
}

func verifyDate(header string, maxSkew time.Duration) error {
	if header == "" {
		return fmt.Errorf("%w: date header missing", ErrDateOutOfWindow)
	}
	sent, err := http.ParseTime(header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDateOutOfWindow, err)
	}
	drift := time.Since(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > maxSkew {
		return ErrDateOutOfWindow
	}
	return nil
}

// KeyIdFromRequest extracts the keyId parameter from the Signature header,
// without verifying anything. The inbox uses it to resolve the signer's
// actor before the actual verification.
func KeyIdFromRequest(req *http.Request) (string, error) {
	signature := req.Header.Get("Signature")
	if signature == "" {
		return "", fmt.Errorf("%w: signature header missing", ErrSignatureInvalid)
	}
	for _, part := range strings.Split(signature, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && kv[0] == "keyId" {
			return strings.Trim(kv[1], `"`), nil
		}
	}
	return "", fmt.Errorf("%w: keyId missing in signature header", ErrSignatureInvalid)
}

// ActorURIFromKeyId strips the key fragment from a keyId.
// "https://example.com/users/alice#main-key" -> "https://example.com/users/alice"
func ActorURIFromKeyId(keyId string) string {
	return strings.Split(keyId, "#")[0]
}

// ParsePrivateKey converts a PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts a PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
