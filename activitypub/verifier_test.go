package activitypub

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

const testKeyId = "https://remote.example/users/bob#main-key"

func signedInboxPost(t *testing.T, body []byte) *SignedRequest {
	t.Helper()
	priv, _ := testKeys(t)
	req, err := http.NewRequest("POST", "https://local.example/users/alice/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	if err := SignRequest(req, priv, testKeyId, body); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	return &SignedRequest{
		Method:     "POST",
		Path:       "/users/alice/inbox",
		Headers:    CaptureHeaders(req, domain.CapturedHeaders),
		Body:       body,
		ReceivedAt: time.Now(),
	}
}

func bobKey(t *testing.T, pemString string) *domain.ActorKey {
	return &domain.ActorKey{
		ActorIRI:     "https://remote.example/users/bob",
		KeyId:        testKeyId,
		PublicKeyPem: pemString,
		FetchedAt:    time.Now(),
	}
}

func TestSignRequestSetsHeaders(t *testing.T) {
	priv, _ := testKeys(t)
	body := []byte(`{"type":"Create"}`)
	req, _ := http.NewRequest("POST", "https://remote.example/inbox", bytes.NewReader(body))
	if err := SignRequest(req, priv, testKeyId, body); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	if req.Header.Get("Host") != "remote.example" {
		t.Errorf("Expected Host header, got %q", req.Header.Get("Host"))
	}
	if req.Header.Get("Date") == "" {
		t.Error("Expected Date header to be set")
	}
	if req.Header.Get("Digest") != DigestHeader(body) {
		t.Errorf("Expected Digest %s, got %s", DigestHeader(body), req.Header.Get("Digest"))
	}
	sig := req.Header.Get("Signature")
	if !strings.Contains(sig, `keyId="`+testKeyId+`"`) {
		t.Errorf("Signature header missing keyId: %s", sig)
	}
	if !strings.Contains(sig, "digest") {
		t.Errorf("Signature must cover digest: %s", sig)
	}
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	priv, _ := testKeys(t)
	keys := &stubKeys{keys: []*domain.ActorKey{bobKey(t, publicKeyToPEM(t, &priv.PublicKey))}}
	v := NewVerifier(keys, nil, nil)

	signer, err := v.Verify(context.Background(), signedInboxPost(t, []byte(`{"type":"Follow"}`)))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if signer.Owner != "https://remote.example/users/bob" {
		t.Errorf("Expected owner bob, got %s", signer.Owner)
	}
	if signer.KeyId != testKeyId {
		t.Errorf("Expected keyId %s, got %s", testKeyId, signer.KeyId)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	priv, _ := testKeys(t)
	pemString := publicKeyToPEM(t, &priv.PublicKey)

	tests := []struct {
		name   string
		tamper func(r *SignedRequest)
		want   error
	}{
		{
			name:   "body changed",
			tamper: func(r *SignedRequest) { r.Body = []byte(`{"type":"Delete"}`) },
			want:   ErrDigestMismatch,
		},
		{
			name: "body and digest changed",
			tamper: func(r *SignedRequest) {
				r.Body = []byte(`{"type":"Delete"}`)
				r.Headers["Digest"] = DigestHeader(r.Body)
			},
			want: ErrSignatureMismatch,
		},
		{
			name:   "path changed",
			tamper: func(r *SignedRequest) { r.Path = "/users/carol/inbox" },
			want:   ErrSignatureMismatch,
		},
		{
			name:   "date outside skew",
			tamper: func(r *SignedRequest) { r.ReceivedAt = r.ReceivedAt.Add(13 * time.Hour) },
			want:   ErrDateSkew,
		},
		{
			name:   "no signature",
			tamper: func(r *SignedRequest) { delete(r.Headers, "Signature") },
			want:   ErrNoKeyID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := &stubKeys{keys: []*domain.ActorKey{bobKey(t, pemString)}}
			req := signedInboxPost(t, []byte(`{"type":"Follow"}`))
			tt.tamper(req)
			_, err := NewVerifier(keys, nil, nil).Verify(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerifyRefetchesRotatedKeyOnce(t *testing.T) {
	priv, old := testKeys(t)
	keys := &stubKeys{keys: []*domain.ActorKey{
		bobKey(t, publicKeyToPEM(t, &old.PublicKey)),
		bobKey(t, publicKeyToPEM(t, &priv.PublicKey)),
	}}

	if _, err := NewVerifier(keys, nil, nil).Verify(context.Background(), signedInboxPost(t, []byte(`{}`))); err != nil {
		t.Fatalf("Expected rotated key to verify after refetch: %v", err)
	}
	if len(keys.calls) != 2 || keys.calls[0] || !keys.calls[1] {
		t.Errorf("Expected one cached lookup then one refresh, got %v", keys.calls)
	}
}

func TestVerifyDoesNotRefetchFreshlyFetchedKey(t *testing.T) {
	_, other := testKeys(t)
	keys := &stubKeys{keys: []*domain.ActorKey{bobKey(t, publicKeyToPEM(t, &other.PublicKey))}, fetched: true}

	_, err := NewVerifier(keys, nil, nil).Verify(context.Background(), signedInboxPost(t, []byte(`{}`)))
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("Expected mismatch, got %v", err)
	}
	if len(keys.calls) != 1 {
		t.Errorf("Expected a single lookup, got %d", len(keys.calls))
	}
}

func TestVerifyKeyFetchFailure(t *testing.T) {
	keys := &stubKeys{err: errors.New("connection refused")}
	_, err := NewVerifier(keys, nil, nil).Verify(context.Background(), signedInboxPost(t, []byte(`{}`)))
	if !errors.Is(err, ErrKeyFetch) {
		t.Errorf("Expected ErrKeyFetch, got %v", err)
	}
}

func TestVerifyMessageSignatureEd25519(t *testing.T) {
	pub, priv := testEd25519(t)
	body := []byte(`{"type":"Like"}`)
	sum := sha256.Sum256(body)
	contentDigest := "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
	keyId := "https://remote.example/users/bob#ed25519-key"

	params := fmt.Sprintf(`("@method" "@target-uri" "content-digest");created=%d;keyid="%s";alg="ed25519"`, time.Now().Unix(), keyId)
	base := strings.Join([]string{
		`"@method": POST`,
		`"@target-uri": https://local.example/inbox`,
		`"content-digest": ` + contentDigest,
		`"@signature-params": ` + params,
	}, "\n")
	signature := ed25519.Sign(priv, []byte(base))

	req := &SignedRequest{
		Method: "POST",
		Path:   "/inbox",
		Headers: map[string]string{
			"Host":            "local.example",
			"Content-Digest":  contentDigest,
			"Signature-Input": "sig1=" + params,
			"Signature":       "sig1=:" + base64.StdEncoding.EncodeToString(signature) + ":",
		},
		Body:       body,
		ReceivedAt: time.Now(),
	}
	keys := &stubKeys{keys: []*domain.ActorKey{{
		ActorIRI:     "https://remote.example/users/bob",
		KeyId:        keyId,
		PublicKeyPem: publicKeyToPEM(t, pub),
		FetchedAt:    time.Now(),
	}}}

	signer, err := NewVerifier(keys, nil, nil).Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if signer.KeyId != keyId {
		t.Errorf("Expected keyId %s, got %s", keyId, signer.KeyId)
	}

	req.Headers["Host"] = "evil.example"
	if _, err := NewVerifier(keys, nil, nil).Verify(context.Background(), req); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("Expected mismatch after changing the target, got %v", err)
	}
}

func TestVerifyRequiresSignedDigest(t *testing.T) {
	priv, _ := testKeys(t)
	keys := &stubKeys{keys: []*domain.ActorKey{bobKey(t, publicKeyToPEM(t, &priv.PublicKey))}}

	// signed without a body, so the Digest header is not covered
	req, _ := http.NewRequest("POST", "https://local.example/users/alice/inbox", nil)
	if err := SignRequest(req, priv, testKeyId, nil); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	body := []byte(`{"type":"Delete","actor":"https://remote.example/users/bob"}`)
	req.Header.Set("Digest", DigestHeader(body))

	signed := &SignedRequest{
		Method:     "POST",
		Path:       "/users/alice/inbox",
		Headers:    CaptureHeaders(req, domain.CapturedHeaders),
		Body:       body,
		ReceivedAt: time.Now(),
	}
	signer, err := NewVerifier(keys, nil, nil).Verify(context.Background(), signed)
	if !errors.Is(err, ErrCoverage) {
		t.Errorf("Expected ErrCoverage, got signer=%v err=%v", signer, err)
	}
	if len(keys.calls) != 0 {
		t.Errorf("Expected no key lookup for an uncovered body, got %d", len(keys.calls))
	}
}

func TestVerifyCavageCoverage(t *testing.T) {
	tests := []struct {
		name    string
		headers string
		wantErr bool
	}{
		{"full", "(request-target) host date digest", false},
		{"no digest", "(request-target) host date", true},
		{"no request target", "host date digest", true},
		{"no host", "(request-target) date digest", true},
		{"no date", "(request-target) host digest", true},
		{"default headers", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &SignedRequest{
				Body:    []byte(`{}`),
				Headers: map[string]string{"Signature": `keyId="` + testKeyId + `",signature="abc="`},
			}
			if tt.headers != "" {
				req.Headers["Signature"] = `keyId="` + testKeyId + `",headers="` + tt.headers + `",signature="abc="`
			}
			err := checkCoverage(req, nil)
			if tt.wantErr != errors.Is(err, ErrCoverage) {
				t.Errorf("Expected coverage error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

const edKeyId = "https://remote.example/users/bob#ed25519-key"

// messageSignedPost signs a POST /inbox with an RFC 9421 signature over
// components. created is omitted when zero.
func messageSignedPost(t *testing.T, priv ed25519.PrivateKey, components []string, created int64, body []byte) *SignedRequest {
	t.Helper()
	req := &SignedRequest{
		Method:     "POST",
		Path:       "/inbox",
		Headers:    map[string]string{"Host": "local.example", "Date": time.Now().UTC().Format(http.TimeFormat)},
		Body:       body,
		ReceivedAt: time.Now(),
	}
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		req.Headers["Content-Digest"] = "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
	}

	quoted := make([]string, len(components))
	for i, c := range components {
		quoted[i] = strconv.Quote(c)
	}
	params := "(" + strings.Join(quoted, " ") + ")"
	if created != 0 {
		params += fmt.Sprintf(";created=%d", created)
	}
	params += fmt.Sprintf(`;keyid="%s";alg="ed25519"`, edKeyId)

	var lines []string
	for _, c := range components {
		value, err := componentValue(req, c)
		if err != nil {
			t.Fatalf("componentValue(%s) failed: %v", c, err)
		}
		lines = append(lines, fmt.Sprintf("%q: %s", c, value))
	}
	lines = append(lines, `"@signature-params": `+params)
	signature := ed25519.Sign(priv, []byte(strings.Join(lines, "\n")))

	req.Headers["Signature-Input"] = "sig1=" + params
	req.Headers["Signature"] = "sig1=:" + base64.StdEncoding.EncodeToString(signature) + ":"
	return req
}

func TestVerifyMessageSignatureCoverage(t *testing.T) {
	pub, priv := testEd25519(t)
	body := []byte(`{"type":"Like"}`)
	now := time.Now().Unix()

	tests := []struct {
		name       string
		components []string
		created    int64
		tamper     func(r *SignedRequest)
		want       error
	}{
		{
			name:       "method path authority digest",
			components: []string{"@method", "@path", "@authority", "content-digest"},
			created:    now,
		},
		{
			name:       "signed date instead of created",
			components: []string{"@method", "@target-uri", "date", "content-digest"},
		},
		{
			name:       "content digest not covered",
			components: []string{"@method", "@target-uri"},
			created:    now,
			want:       ErrCoverage,
		},
		{
			name:       "method not covered",
			components: []string{"@target-uri", "content-digest"},
			created:    now,
			want:       ErrCoverage,
		},
		{
			name:       "authority not covered",
			components: []string{"@method", "@path", "content-digest"},
			created:    now,
			want:       ErrCoverage,
		},
		{
			name:       "no timestamp",
			components: []string{"@method", "@target-uri", "content-digest"},
			want:       ErrCoverage,
		},
		{
			name:       "created too old",
			components: []string{"@method", "@target-uri", "content-digest"},
			created:    now - int64((13*time.Hour)/time.Second),
			want:       ErrDateSkew,
		},
		{
			name:       "unsigned legacy digest swapped",
			components: []string{"@method", "@target-uri", "content-digest"},
			created:    now,
			tamper: func(r *SignedRequest) {
				r.Body = []byte(`{"type":"Delete"}`)
				r.Headers["Digest"] = DigestHeader(r.Body)
			},
			want: ErrDigestMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := &stubKeys{keys: []*domain.ActorKey{{
				ActorIRI:     "https://remote.example/users/bob",
				KeyId:        edKeyId,
				PublicKeyPem: publicKeyToPEM(t, pub),
				FetchedAt:    time.Now(),
			}}}
			req := messageSignedPost(t, priv, tt.components, tt.created, body)
			if tt.tamper != nil {
				tt.tamper(req)
			}
			_, err := NewVerifier(keys, nil, nil).Verify(context.Background(), req)
			if tt.want == nil && err != nil {
				t.Errorf("Verify failed: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCavageKeyId(t *testing.T) {
	header := `keyId="https://a.example/users/x#main-key",algorithm="rsa-sha256",headers="(request-target) host date",signature="abc="`
	if got := cavageKeyId(header); got != "https://a.example/users/x#main-key" {
		t.Errorf("Unexpected keyId %q", got)
	}
	if got := cavageKeyId(""); got != "" {
		t.Errorf("Expected empty keyId, got %q", got)
	}
}

func TestParseKeys(t *testing.T) {
	priv, _ := testKeys(t)
	parsed, err := ParsePrivateKey(privateKeyToPEM(priv))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if _, err := algorithmForPrivate(parsed); err != nil {
		t.Errorf("Unexpected key type: %v", err)
	}
	if _, err := ParsePublicKey(publicKeyToPEM(t, &priv.PublicKey)); err != nil {
		t.Errorf("ParsePublicKey failed: %v", err)
	}
	if _, err := ParsePrivateKey("not a pem"); err == nil {
		t.Error("Expected error for invalid PEM")
	}
}
