package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	idemPending = "pending"
	// ReplayHeader marks a response served from the idempotency store.
	ReplayHeader = "Idempotent-Replayed"
)

// Idem provides an Idempotency-Key middleware backed by Redis. The first
// request with a key runs; later ones receive the stored response. Server
// errors release the key so the client can retry.
type Idem struct {
	R   redis.Cmdable
	TTL time.Duration
}

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

func hashKey(r *http.Request, key string) string {
	sum := sha256.Sum256([]byte(r.Method + " " + r.URL.Path + " " + key))
	return "idem:" + hex.EncodeToString(sum[:])
}

func (i Idem) ttl() time.Duration {
	if i.TTL <= 0 {
		return 24 * time.Hour
	}
	return i.TTL
}

// Middleware enforces idempotency semantics for write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		key := hashKey(r, header)
		ok, err := i.R.SetNX(ctx, key, idemPending, i.ttl()).Result()
		if err != nil {
			storeUnavailable(w, err)
			return
		}
		if !ok {
			i.replay(ctx, w, key)
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		completed := false
		defer func() {
			// release the key if the handler panicked or failed server-side
			if !completed || rec.status >= http.StatusInternalServerError {
				_ = i.R.Del(context.Background(), key).Err()
			}
		}()
		next.ServeHTTP(rec, r)
		completed = true
		if rec.status >= http.StatusInternalServerError {
			return
		}
		payload, err := json.Marshal(storedResponse{Status: rec.status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()})
		if err == nil {
			_ = i.R.Set(context.Background(), key, payload, i.ttl()).Err()
		}
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key string) {
	raw, err := i.R.Get(ctx, key).Bytes()
	if err != nil && err != redis.Nil {
		storeUnavailable(w, err)
		return
	}
	if err == redis.Nil || string(raw) == idemPending {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_IN_FLIGHT", "a request with this key is still in progress", nil)
		return
	}
	var stored storedResponse
	if err := json.Unmarshal(raw, &stored); err != nil {
		storeUnavailable(w, err)
		return
	}
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func storeUnavailable(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store unavailable; retry later", nil)
}
