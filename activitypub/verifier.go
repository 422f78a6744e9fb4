package activitypub

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/metrics"
	"github.com/deemkeen/stegofed/util"
)

var (
	ErrNoKeyID           = errors.New("no keyId in signature headers")
	ErrKeyFetch          = errors.New("failed to resolve signing key")
	ErrSignatureMismatch = errors.New("signature does not match")
	ErrDigestMismatch    = errors.New("body digest does not match")
	ErrDateSkew          = errors.New("signature date out of range")
	ErrCoverage          = errors.New("signature does not cover required components")
)

// MaxDateSkew bounds the distance between the signed Date and the time the
// request was received.
const MaxDateSkew = 12 * time.Hour

// SignedRequest is everything needed to check a signature after the HTTP
// request itself is gone.
type SignedRequest struct {
	Method     string
	Path       string
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
}

// Header is a case-insensitive header lookup.
func (r *SignedRequest) Header(name string) string {
	if v, ok := r.Headers[textproto.CanonicalMIMEHeaderKey(name)]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// CaptureHeaders copies the listed headers of r, including Host.
func CaptureHeaders(r *http.Request, names []string) map[string]string {
	headers := make(map[string]string, len(names))
	for _, name := range names {
		v := r.Header.Get(name)
		if strings.EqualFold(name, "Host") && v == "" {
			v = r.Host
		}
		if v != "" {
			headers[textproto.CanonicalMIMEHeaderKey(name)] = v
		}
	}
	return headers
}

// Signer is the outcome of a successful verification.
type Signer struct {
	KeyId string
	Owner string // actor IRI that owns the key
}

// KeyLookup resolves a keyId to a public key. refresh bypasses every cache.
type KeyLookup interface {
	Lookup(ctx context.Context, keyId string, refresh bool) (key *domain.ActorKey, fetched bool, err error)
}

// Verifier establishes the sender identity of a request.
type Verifier struct {
	keys    KeyLookup
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewVerifier(keys KeyLookup, m *metrics.Metrics, logger *zap.SugaredLogger) *Verifier {
	return &Verifier{keys: keys, metrics: m, log: util.OrNop(logger), now: time.Now}
}

// Verify runs one verification. Each call starts from scratch but reuses
// whatever the key cache already holds.
func (v *Verifier) Verify(ctx context.Context, req *SignedRequest) (*Signer, error) {
	signer, err := v.verify(ctx, req)
	switch {
	case err == nil:
		v.metrics.Verification("accept")
	case errors.Is(err, ErrNoKeyID):
		v.metrics.Verification("no_key_id")
	case errors.Is(err, ErrKeyFetch):
		v.metrics.Verification("key_fetch")
	case errors.Is(err, ErrDigestMismatch):
		v.metrics.Verification("digest")
	case errors.Is(err, ErrDateSkew):
		v.metrics.Verification("date")
	case errors.Is(err, ErrCoverage):
		v.metrics.Verification("coverage")
	default:
		v.metrics.Verification("mismatch")
	}
	return signer, err
}

func (v *Verifier) verify(ctx context.Context, req *SignedRequest) (*Signer, error) {
	var rfc *messageSignature
	keyId := ""
	if input := req.Header("Signature-Input"); input != "" {
		ms, err := parseMessageSignature(input, req.Header("Signature"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoKeyID, err)
		}
		rfc, keyId = ms, ms.keyId
	} else {
		keyId = cavageKeyId(req.Header("Signature"))
	}
	if keyId == "" {
		return nil, ErrNoKeyID
	}

	if err := checkCoverage(req, rfc); err != nil {
		return nil, err
	}
	if err := checkBodyDigest(req); err != nil {
		return nil, err
	}
	if err := v.checkDate(req, rfc); err != nil {
		return nil, err
	}

	key, fetched, err := v.keys.Lookup(ctx, keyId, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}
	err = verifyWithKey(req, rfc, key)
	if err != nil && !fetched {
		// the cached key may have been rotated; refetch exactly once
		v.log.Debugw("Verifier: cached key failed, refetching", "keyId", keyId)
		key, _, err = v.keys.Lookup(ctx, keyId, true)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
		}
		err = verifyWithKey(req, rfc, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return &Signer{KeyId: keyId, Owner: key.ActorIRI}, nil
}

func verifyWithKey(req *SignedRequest, rfc *messageSignature, key *domain.ActorKey) error {
	pubKey, err := ParsePublicKey(key.PublicKeyPem)
	if err != nil {
		return err
	}
	if rfc != nil {
		base, err := rfc.signatureBase(req)
		if err != nil {
			return err
		}
		return rfc.verify(base, pubKey)
	}

	httpReq, err := req.toHTTP()
	if err != nil {
		return err
	}
	return verifyCavage(httpReq, pubKey)
}

func (r *SignedRequest) toHTTP() (*http.Request, error) {
	host := r.Header("Host")
	httpReq, err := http.NewRequest(r.Method, "https://"+host+r.Path, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Host = host
	return httpReq, nil
}

// signedComponents lists what the signature covers, lowercased.
func signedComponents(req *SignedRequest, rfc *messageSignature) []string {
	if rfc != nil {
		components := make([]string, len(rfc.components))
		for i, c := range rfc.components {
			components[i] = strings.ToLower(c)
		}
		return components
	}
	headers := cavageParam(req.Header("Signature"), "headers")
	if headers == "" {
		// draft-cavage default
		headers = "date"
	}
	return strings.Fields(strings.ToLower(headers))
}

// checkCoverage requires the signature to bind the method, target, host,
// a timestamp and, when there is a body, its digest.
func checkCoverage(req *SignedRequest, rfc *messageSignature) error {
	covered := make(map[string]bool)
	for _, c := range signedComponents(req, rfc) {
		covered[c] = true
	}

	var missing []string
	need := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}
	hasBody := len(req.Body) > 0
	if rfc != nil {
		target := covered["@target-uri"]
		need("@method", covered["@method"])
		need("@path", target || covered["@path"] || covered["@request-target"])
		need("@authority", target || covered["@authority"] || covered["host"])
		need("created", rfc.created != 0 || covered["date"])
		if hasBody {
			need("content-digest", covered["content-digest"] || covered["digest"])
		}
	} else {
		need("(request-target)", covered["(request-target)"])
		need("host", covered["host"])
		need("date", covered["date"])
		if hasBody {
			need("digest", covered["digest"])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrCoverage, strings.Join(missing, ", "))
	}
	return nil
}

// checkBodyDigest requires every digest header present to match the body,
// and at least one of them whenever there is a body.
func checkBodyDigest(req *SignedRequest) error {
	digest := req.Header("Digest")
	contentDigest := req.Header("Content-Digest")
	if digest != "" {
		if err := checkLegacyDigest(digest, req.Body); err != nil {
			return err
		}
	}
	if contentDigest != "" {
		if err := checkContentDigest(contentDigest, req.Body); err != nil {
			return err
		}
	}
	if digest == "" && contentDigest == "" && len(req.Body) > 0 {
		return ErrDigestMismatch
	}
	return nil
}

func checkLegacyDigest(value string, body []byte) error {
	for _, member := range strings.Split(value, ",") {
		name, encoded, _ := strings.Cut(strings.TrimSpace(member), "=")
		if strings.EqualFold(name, "SHA-256") {
			_, want, _ := strings.Cut(DigestHeader(body), "=")
			if subtle.ConstantTimeCompare([]byte(encoded), []byte(want)) != 1 {
				return ErrDigestMismatch
			}
			return nil
		}
	}
	return ErrDigestMismatch
}

// checkDate bounds the signed Date and, for message signatures, the
// created and expires parameters.
func (v *Verifier) checkDate(req *SignedRequest, rfc *messageSignature) error {
	ref := req.ReceivedAt
	if ref.IsZero() {
		ref = v.now()
	}
	if rfc != nil {
		if rfc.created != 0 {
			if err := withinSkew(ref, time.Unix(rfc.created, 0)); err != nil {
				return err
			}
		}
		if rfc.expires != 0 && ref.After(time.Unix(rfc.expires, 0)) {
			return fmt.Errorf("%w: signature expired", ErrDateSkew)
		}
	}

	date := req.Header("Date")
	if date == "" {
		return nil
	}
	signed, err := http.ParseTime(date)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDateSkew, err)
	}
	return withinSkew(ref, signed)
}

func withinSkew(ref, signed time.Time) error {
	skew := ref.Sub(signed)
	if skew < -MaxDateSkew || skew > MaxDateSkew {
		return ErrDateSkew
	}
	return nil
}

// cavageKeyId extracts keyId from a draft-cavage Signature header.
func cavageKeyId(signature string) string {
	return cavageParam(signature, "keyId")
}

func cavageParam(signature, name string) string {
	for _, param := range strings.Split(signature, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(key, name) {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

// KeyOwner strips the fragment from a keyId.
func KeyOwner(keyId string) string {
	owner, _, _ := strings.Cut(keyId, "#")
	return owner
}
