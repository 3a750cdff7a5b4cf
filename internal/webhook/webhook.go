// Package webhook receives trigger deliveries pushed by an external queue
// provider and dispatches them through a mediarelay.Mux.
package webhook

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"

	"github.com/UniQw/mediarelay"
)

// Delivery headers set by the provider.
const (
	HeaderSignature = "Upstash-Signature"
	HeaderMessageID = "Upstash-Message-Id"
	HeaderRetried   = "Upstash-Retried"
)

// PathPrefix is where triggers are accepted: PathPrefix + job type.
const PathPrefix = "/triggers/"

var (
	ErrMissingSignature = errors.New("webhook: missing signature")
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	ErrBodyMismatch     = errors.New("webhook: body hash mismatch")
)

// Config configures the handler.
type Config struct {
	// CurrentKey and NextKey are the provider's signing keys. A signature is
	// accepted when it verifies with either, which allows key rotation.
	// When both are empty, signatures are not checked.
	CurrentKey string
	NextKey    string
	// MaxBodyBytes caps a trigger body. Defaults to 1 MiB.
	MaxBodyBytes int64
	Logger       mediarelay.Logger
}

// Handler is an http.Handler serving PathPrefix + {download|upload|batch}.
type Handler struct {
	mux  *mediarelay.Mux
	keys [][]byte
	max  int64
	log  mediarelay.Logger
	now  func() time.Time
}

// New creates a webhook handler dispatching to mux.
func New(mux *mediarelay.Mux, cfg Config) *Handler {
	h := &Handler{mux: mux, max: cfg.MaxBodyBytes, log: cfg.Logger, now: time.Now}
	if h.max <= 0 {
		h.max = 1 << 20
	}
	if h.log == nil {
		h.log = mediarelay.NewFmtLogger()
	}
	for _, k := range []string{cfg.CurrentKey, cfg.NextKey} {
		if k != "" {
			h.keys = append(h.keys, []byte(k))
		}
	}
	return h
}

// Claims is the signature payload: registered claims plus the body hash.
type Claims struct {
	jwt.RegisteredClaims
	Body string `json:"body"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeResult(w, mediarelay.Result{StatusCode: http.StatusMethodNotAllowed, Message: "method not allowed"})
		return
	}
	jobType := strings.TrimPrefix(r.URL.Path, PathPrefix)
	if jobType == r.URL.Path || jobType == "" || strings.Contains(jobType, "/") || !h.mux.Has(jobType) {
		writeResult(w, mediarelay.NotFound("unknown trigger path"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.max+1))
	if err != nil {
		writeResult(w, mediarelay.BadRequest("read body: "+err.Error()))
		return
	}
	if int64(len(body)) > h.max {
		writeResult(w, mediarelay.Result{StatusCode: http.StatusRequestEntityTooLarge, Message: "body too large"})
		return
	}

	if err := h.verify(r.Header.Get(HeaderSignature), body); err != nil {
		h.log.Warnf("webhook rejected: type=%s err=%v", jobType, err)
		writeResult(w, mediarelay.Result{StatusCode: http.StatusUnauthorized, Message: err.Error()})
		return
	}

	attempt, _ := strconv.Atoi(r.Header.Get(HeaderRetried))
	ctx := mediarelay.WithDelivery(r.Context(), mediarelay.DeliveryInfo{
		MessageID:  r.Header.Get(HeaderMessageID),
		JobType:    jobType,
		Attempt:    attempt,
		EnqueuedAt: h.now().UnixMilli(),
	})
	writeResult(w, h.mux.Dispatch(ctx, jobType, body))
}

// verify checks an HS256 token whose body claim is the base64url SHA-256 of
// the request body.
func (h *Handler) verify(token string, body []byte) error {
	if len(h.keys) == 0 {
		return nil
	}
	if token == "" {
		return ErrMissingSignature
	}
	var lastErr error
	for _, key := range h.keys {
		claims := &Claims{}
		tok, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(h.now))
		if err != nil || !tok.Valid {
			lastErr = err
			continue
		}
		if strings.TrimRight(claims.Body, "=") != BodyHash(body) {
			return ErrBodyMismatch
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

// BodyHash returns the unpadded base64url SHA-256 of body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Sign issues a delivery signature for body. Producers and tests use it.
func Sign(key string, body []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "mediarelay",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Body: BodyHash(body),
	})
	return tok.SignedString([]byte(key))
}

func writeResult(w http.ResponseWriter, res mediarelay.Result) {
	b, err := sonic.Marshal(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := res.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
