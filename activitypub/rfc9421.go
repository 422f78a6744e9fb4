package activitypub

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// messageSignature is one parsed Signature-Input / Signature pair.
type messageSignature struct {
	label      string
	components []string
	params     string // raw serialized parameters, as signed
	keyId      string
	alg        string
	created    int64
	expires    int64
	signature  []byte
}

// parseMessageSignature reads the first signature of an RFC 9421
// Signature-Input header and its matching Signature value.
func parseMessageSignature(input, signature string) (*messageSignature, error) {
	label, rest, ok := strings.Cut(strings.TrimSpace(input), "=")
	if !ok || label == "" {
		return nil, errors.New("malformed Signature-Input")
	}
	// only the first member of the dictionary is used
	if i := topLevelComma(rest); i >= 0 {
		rest = rest[:i]
	}
	if !strings.HasPrefix(rest, "(") {
		return nil, errors.New("Signature-Input is not an inner list")
	}
	end := strings.Index(rest, ")")
	if end < 0 {
		return nil, errors.New("unterminated component list")
	}

	ms := &messageSignature{label: strings.TrimSpace(label), params: strings.TrimSpace(rest)}
	for _, item := range strings.Fields(rest[1:end]) {
		if strings.Contains(item, ";") {
			return nil, fmt.Errorf("unsupported component parameters in %s", item)
		}
		ms.components = append(ms.components, strings.Trim(item, `"`))
	}
	for _, param := range strings.Split(rest[end+1:], ";") {
		key, value, _ := strings.Cut(strings.TrimSpace(param), "=")
		value = strings.Trim(value, `"`)
		switch key {
		case "keyid":
			ms.keyId = value
		case "alg":
			ms.alg = value
		case "created", "expires":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed %s parameter: %w", key, err)
			}
			if key == "created" {
				ms.created = n
			} else {
				ms.expires = n
			}
		}
	}

	for _, member := range strings.Split(signature, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(member), "=")
		if !ok || name != ms.label {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.Trim(value, ":"))
		if err != nil {
			return nil, fmt.Errorf("malformed signature value: %w", err)
		}
		ms.signature = raw
	}
	if ms.signature == nil {
		return nil, fmt.Errorf("no signature for label %q", ms.label)
	}
	return ms, nil
}

func topLevelComma(s string) int {
	depth := 0
	inQuote := false
	for i, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == ',' && depth == 0:
			return i
		}
	}
	return -1
}

// signatureBase rebuilds the string the sender signed.
func (ms *messageSignature) signatureBase(req *SignedRequest) (string, error) {
	var b strings.Builder
	for _, component := range ms.components {
		value, err := componentValue(req, component)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%q: %s\n", component, value)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", ms.params)
	return b.String(), nil
}

func componentValue(req *SignedRequest, component string) (string, error) {
	path, query, _ := strings.Cut(req.Path, "?")
	host := strings.ToLower(req.Header("Host"))
	switch component {
	case "@method":
		return strings.ToUpper(req.Method), nil
	case "@authority":
		return host, nil
	case "@scheme":
		return "https", nil
	case "@path":
		return path, nil
	case "@query":
		return "?" + query, nil
	case "@request-target":
		return req.Path, nil
	case "@target-uri":
		return "https://" + host + req.Path, nil
	}
	if strings.HasPrefix(component, "@") {
		return "", fmt.Errorf("unsupported derived component %s", component)
	}
	value := req.Header(component)
	if value == "" {
		return "", fmt.Errorf("missing signed header %s", component)
	}
	return strings.TrimSpace(value), nil
}

func (ms *messageSignature) verify(base string, pubKey crypto.PublicKey) error {
	alg := ms.alg
	if alg == "" {
		switch pubKey.(type) {
		case *rsa.PublicKey:
			alg = "rsa-v1_5-sha256"
		case ed25519.PublicKey:
			alg = "ed25519"
		}
	}

	switch alg {
	case "rsa-v1_5-sha256":
		key, ok := pubKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("alg %s needs an RSA key", alg)
		}
		sum := sha256.Sum256([]byte(base))
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, sum[:], ms.signature)
	case "rsa-pss-sha512":
		key, ok := pubKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("alg %s needs an RSA key", alg)
		}
		sum := sha512.Sum512([]byte(base))
		return rsa.VerifyPSS(key, crypto.SHA512, sum[:], ms.signature, &rsa.PSSOptions{SaltLength: 64})
	case "ed25519":
		key, ok := pubKey.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("alg %s needs an Ed25519 key", alg)
		}
		if !ed25519.Verify(key, []byte(base), ms.signature) {
			return errors.New("ed25519 signature mismatch")
		}
		return nil
	default:
		return fmt.Errorf("unsupported signature algorithm %q", alg)
	}
}

// checkContentDigest compares an RFC 9530 Content-Digest value with body.
func checkContentDigest(value string, body []byte) error {
	for _, member := range strings.Split(value, ",") {
		name, encoded, ok := strings.Cut(strings.TrimSpace(member), "=")
		if !ok {
			continue
		}
		want, err := base64.StdEncoding.DecodeString(strings.Trim(encoded, ":"))
		if err != nil {
			return ErrDigestMismatch
		}
		var got []byte
		switch strings.ToLower(name) {
		case "sha-256":
			sum := sha256.Sum256(body)
			got = sum[:]
		case "sha-512":
			sum := sha512.Sum512(body)
			got = sum[:]
		default:
			continue
		}
		if string(got) != string(want) {
			return ErrDigestMismatch
		}
		return nil
	}
	return ErrDigestMismatch
}
