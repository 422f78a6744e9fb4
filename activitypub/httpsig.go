package activitypub

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

var (
	postSignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}
	getSignedHeaders  = []string{httpsig.RequestTarget, "host", "date"}
)

// SignRequest signs an outgoing HTTP request with the given private key.
// keyId format: "https://example.com/users/alice#main-key".
// A non-nil body is digested and the Digest header is covered.
func SignRequest(req *http.Request, privateKey crypto.PrivateKey, keyId string, body []byte) error {
	algo, err := algorithmForPrivate(privateKey)
	if err != nil {
		return err
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	// the signer reads host from the header map, not req.Host
	req.Header.Set("Host", req.URL.Host)

	headers := getSignedHeaders
	if body != nil {
		headers = postSignedHeaders
	}
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{algo},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	return signer.SignRequest(privateKey, keyId, req, body)
}

// verifyCavage checks a draft-cavage Signature header against pubKey.
func verifyCavage(req *http.Request, pubKey crypto.PublicKey) error {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	algo, err := algorithmForPublic(pubKey)
	if err != nil {
		return err
	}
	return verifier.Verify(pubKey, algo)
}

func algorithmForPrivate(key crypto.PrivateKey) (httpsig.Algorithm, error) {
	switch key.(type) {
	case *rsa.PrivateKey:
		return httpsig.RSA_SHA256, nil
	case ed25519.PrivateKey:
		return httpsig.ED25519, nil
	default:
		return "", fmt.Errorf("unsupported private key type %T", key)
	}
}

func algorithmForPublic(key crypto.PublicKey) (httpsig.Algorithm, error) {
	switch key.(type) {
	case *rsa.PublicKey:
		return httpsig.RSA_SHA256, nil
	case ed25519.PublicKey:
		return httpsig.ED25519, nil
	default:
		return "", fmt.Errorf("unsupported public key type %T", key)
	}
}

// DigestHeader returns the legacy Digest header value of body.
func DigestHeader(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// ParsePrivateKey converts a PKCS#1 or PKCS#8 PEM string to a private key.
func ParsePrivateKey(pemString string) (crypto.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey, ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

// ParsePublicKey converts a PKIX or PKCS#1 PEM string to a public key.
func ParsePublicKey(pemString string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	switch k := pubKey.(type) {
	case *rsa.PublicKey, ed25519.PublicKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", pubKey)
	}
}
