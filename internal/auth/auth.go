// Package auth establishes the caller identity of HTTP requests.
//
// With verification enabled, the identity is an Ethereum address and every
// request carries a personal-sign signature over
//
//	METHOD \n PATH \n TIMESTAMP \n keccak256(body)
//
// made with that address's key. With verification disabled the identity
// header is trusted as-is, which is only suitable for development.
package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderIdentity  = "X-Vapor-Identity"
	HeaderTimestamp = "X-Vapor-Timestamp"
	HeaderSignature = "X-Vapor-Signature"

	maxBodyBytes = 1 << 20
	// maxIdentityLen bounds unverified identities; an address is 42 bytes.
	maxIdentityLen = 128
)

var (
	ErrMissingIdentity = errors.New("auth: missing identity")
	ErrInvalidIdentity = errors.New("auth: identity is not an address")
	ErrStaleRequest    = errors.New("auth: timestamp outside allowed skew")
	ErrBadSignature    = errors.New("auth: signature does not match identity")
)

// NormalizeIdentity trims id and, when it is a hex address, returns its
// checksummed form so that one key always maps to one identity.
func NormalizeIdentity(id string) string {
	id = strings.TrimSpace(id)
	if common.IsHexAddress(id) {
		return common.HexToAddress(id).Hex()
	}
	return id
}

// Verifier checks request signatures.
type Verifier struct {
	enabled bool
	maxSkew time.Duration
	now     func() time.Time
	replay  ReplayGuard
}

// NewVerifier returns a Verifier. When enabled is false, Verify only requires
// a non-empty identity header.
func NewVerifier(enabled bool, maxSkew time.Duration) *Verifier {
	return &Verifier{enabled: enabled, maxSkew: maxSkew, now: time.Now}
}

// WithClock replaces the time source used for skew checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// WithReplayGuard rejects a signed request seen before within the skew
// window. Two identical requests signed in the same second count as one.
func (v *Verifier) WithReplayGuard(g ReplayGuard) *Verifier {
	v.replay = g
	return v
}

// Verify returns the normalized caller identity of r. body is the raw request
// body already read by the caller.
func (v *Verifier) Verify(r *http.Request, body []byte) (string, error) {
	id := NormalizeIdentity(r.Header.Get(HeaderIdentity))
	if id == "" {
		return "", ErrMissingIdentity
	}
	if len(id) > maxIdentityLen {
		return "", ErrInvalidIdentity
	}
	if !v.enabled {
		return id, nil
	}
	if !common.IsHexAddress(id) {
		return "", ErrInvalidIdentity
	}

	tsHeader := r.Header.Get(HeaderTimestamp)
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad timestamp %q", ErrStaleRequest, tsHeader)
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return "", ErrStaleRequest
	}

	sig, err := hexutil.Decode(r.Header.Get(HeaderSignature))
	if err != nil || len(sig) != 65 {
		return "", ErrBadSignature
	}
	// Wallets return v in {27,28}; recovery expects {0,1}.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := accounts.TextHash(message(r.Method, r.URL.Path, tsHeader, body))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return "", ErrBadSignature
	}
	if ethcrypto.PubkeyToAddress(*pub) != common.HexToAddress(id) {
		return "", ErrBadSignature
	}

	// Keyed on the signed digest, not the signature bytes, which can be
	// re-encoded without the key.
	if v.replay != nil {
		fresh, err := v.replay.Claim(r.Context(), id+":"+hexutil.Encode(digest), 2*v.maxSkew)
		if err != nil {
			return "", err
		}
		if !fresh {
			return "", ErrReplayed
		}
	}
	return id, nil
}

// SignRequest sets the identity, timestamp and signature headers on r for
// body, signed with key at time now.
func SignRequest(r *http.Request, body []byte, key *ecdsa.PrivateKey, now time.Time) error {
	ts := strconv.FormatInt(now.Unix(), 10)
	digest := accounts.TextHash(message(r.Method, r.URL.Path, ts, body))
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("auth: signing: %w", err)
	}
	sig[64] += 27

	r.Header.Set(HeaderIdentity, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

func message(method, path, ts string, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(ts)
	b.WriteByte('\n')
	b.WriteString(ethcrypto.Keccak256Hash(body).Hex())
	return b.Bytes()
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Identity returns the caller identity stored by Middleware.
func Identity(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Middleware verifies each request and stores the caller identity in its
// context. Failures are answered with 401.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeUnauthorized(w, "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			id, err := v.Verify(r, body)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": "authorization"})
}
