package ap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-fed/httpsig"
)

// Authority returns the host (+ optional port) of an IRI, or "" if it
// doesn't parse or has no host. Mirrors internal/db's definition; kept
// local so ap does not depend on internal/db.
func Authority(iri string) string {
	u, err := url.Parse(iri)
	if err != nil {
		return ""
	}
	return u.Host
}

// ErrGone is returned when a remote resource responds with HTTP 410 Gone —
// typically the actor or object has been deleted.
var ErrGone = errors.New("resource gone (410)")

// ErrActorGone is returned by VerifySignature when the signing actor's key
// URL responds with HTTP 410. Only a Delete activity may be accepted
// without a verifiable signature in that case; the caller decides.
var ErrActorGone = errors.New("signing actor is gone (410)")

// ErrBreakerOpen is returned by Deliver/FetchActor when the target
// authority's circuit breaker is currently open.
var ErrBreakerOpen = errors.New("circuit breaker open for this authority")

// UserAgent is sent on every outbound request so remote admins can identify
// the relay in their logs.
var UserAgent = "relay/1.0"

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Breaker is the subset of breaker.Registry the client needs. Kept as an
// interface so this package doesn't import internal/breaker directly.
type Breaker interface {
	ShouldTry(authority string) bool
	RecordSuccess(authority string)
	RecordFailure(authority string)
}

// actorCacheTTL bounds how long a fetched actor document is reused before a
// refetch is attempted.
var actorCacheTTL = 30 * time.Minute

type actorCacheEntry struct {
	actor   *Actor
	expires time.Time
}

var actorCache sync.Map // actor IRI → actorCacheEntry

func init() {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			now := time.Now()
			actorCache.Range(func(k, v any) bool {
				if now.After(v.(actorCacheEntry).expires) {
					actorCache.Delete(k)
				}
				return true
			})
		}
	}()
}

// FetchJSON fetches and decodes a JSON document from rawURL, consulting b
// (may be nil to skip breaker checks) before making the request and
// recording the outcome afterward.
func FetchJSON(ctx context.Context, b Breaker, rawURL string, accept string, out interface{}) error {
	authority := Authority(rawURL)
	if b != nil && !b.ShouldTry(authority) {
		return ErrBreakerOpen
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		if b != nil {
			b.RecordFailure(authority)
		}
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		if b != nil {
			b.RecordSuccess(authority)
		}
		return ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		if b != nil {
			b.RecordFailure(authority)
		}
		return fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", rawURL, err)
	}
	if b != nil {
		b.RecordSuccess(authority)
	}
	return nil
}

// FetchActor fetches and caches an actor document. A cached copy younger
// than actorCacheTTL is returned without a network round trip.
func FetchActor(ctx context.Context, b Breaker, actorID string) (*Actor, error) {
	if cached, ok := actorCache.Load(actorID); ok {
		entry := cached.(actorCacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.actor, nil
		}
		actorCache.Delete(actorID)
	}

	var actor Actor
	if err := FetchJSON(ctx, b, actorID, apAccept, &actor); err != nil {
		return nil, err
	}
	actorCache.Store(actorID, actorCacheEntry{actor: &actor, expires: time.Now().Add(actorCacheTTL)})
	return &actor, nil
}

// InvalidateActor drops a cached actor document (e.g. after a Move/Update).
func InvalidateActor(actorID string) {
	actorCache.Delete(actorID)
}

const apAccept = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// Deliver signs and POSTs activity to a remote inbox.
func Deliver(ctx context.Context, b Breaker, inbox string, activity interface{}, keyID string, privKey *rsa.PrivateKey) error {
	authority := Authority(inbox)
	if b != nil && !b.ShouldTry(authority) {
		return ErrBreakerOpen
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest", "content-type"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if b != nil {
			b.RecordFailure(authority)
		}
		return fmt.Errorf("deliver to %s: %w", inbox, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		if b != nil {
			b.RecordSuccess(authority)
		}
		return ErrGone
	}
	if resp.StatusCode >= 400 {
		if b != nil {
			b.RecordFailure(authority)
		}
		return fmt.Errorf("deliver to %s: HTTP %d", inbox, resp.StatusCode)
	}

	if b != nil {
		b.RecordSuccess(authority)
	}
	slog.Debug("delivered activity", "inbox", inbox, "status", resp.StatusCode)
	return nil
}

// maxDateSkew bounds the allowed difference between an incoming request's
// Date header and the server's clock, matching Mastodon's own window. This
// blocks replay of a captured signed request outside the window.
const maxDateSkew = 30 * time.Second

// VerifyDigest checks the Digest request header against the SHA-256 hash of
// body. An absent header, or one using an algorithm other than SHA-256, is
// accepted without complaint — digest is optional in the AP signature spec
// and some servers omit it or use a different hash.
func VerifyDigest(body []byte, digestHeader string) error {
	if digestHeader == "" {
		return nil
	}
	const prefix = "SHA-256="
	if !strings.HasPrefix(digestHeader, prefix) {
		return nil
	}
	sum := sha256.Sum256(body)
	got := base64.StdEncoding.EncodeToString(sum[:])
	want := digestHeader[len(prefix):]
	if got != want {
		return fmt.Errorf("digest mismatch: body sha-256=%s, header claims %s", got, want)
	}
	return nil
}

// VerifySignature verifies an incoming request's HTTP Signature, fetching
// the signing actor's public key as needed. Returns the keyID on success.
func VerifySignature(ctx context.Context, b Breaker, req *http.Request) (string, error) {
	dateStr := req.Header.Get("Date")
	if dateStr == "" {
		return "", fmt.Errorf("missing Date header")
	}
	reqTime, err := http.ParseTime(dateStr)
	if err != nil {
		return "", fmt.Errorf("invalid Date header %q: %w", dateStr, err)
	}
	if skew := time.Since(reqTime); skew > maxDateSkew || skew < -maxDateSkew {
		return "", fmt.Errorf("Date header too skewed (%v, allowed +/-%v)", skew.Round(time.Second), maxDateSkew)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("create verifier: %w", err)
	}
	keyID := verifier.KeyId()

	actorURL := strings.Split(keyID, "#")[0]
	actor, err := FetchActor(ctx, b, actorURL)
	if err != nil {
		if errors.Is(err, ErrGone) {
			slog.Debug("actor gone, deferring accept decision to caller", "key_id", keyID)
			return keyID, ErrActorGone
		}
		return "", fmt.Errorf("fetch actor for key %s: %w", keyID, err)
	}
	if actor.PublicKey == nil {
		return "", fmt.Errorf("actor %s has no public key", actorURL)
	}

	pubKey, err := parsePublicKeyPEM(actor.PublicKey.PublicKeyPem)
	if err != nil {
		return "", fmt.Errorf("parse public key for %s: %w", actorURL, err)
	}
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	return keyID, nil
}

func parsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := decodePEM([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	return parsePublicKey(block.Bytes)
}

// IsActor reports whether an AP "type" string names an actor type.
func IsActor(typ string) bool {
	switch typ {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}
