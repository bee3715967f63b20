package pushapi

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamtrek/realtime/pkg/transport"
)

func newTestClient(t *testing.T, baseURL string, mut func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:      baseURL,
		AppID:        "app-1",
		Key:          "key-1",
		Secret:       "secret-1",
		RetryBackoff: time.Millisecond,
	}
	if mut != nil {
		mut(&cfg)
	}
	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func checkSignature(t *testing.T, r *http.Request, body []byte) {
	t.Helper()
	q := r.URL.Query()

	assert.Equal(t, "key-1", q.Get("auth_key"))
	assert.Equal(t, "1.0", q.Get("auth_version"))
	assert.NotEmpty(t, q.Get("auth_timestamp"))

	if len(body) > 0 {
		sum := md5.Sum(body)
		assert.Equal(t, hex.EncodeToString(sum[:]), q.Get("body_md5"))
	}

	sig := q.Get("auth_signature")
	require.NotEmpty(t, sig)
	q.Del("auth_signature")
	mac := hmac.New(sha256.New, []byte("secret-1"))
	mac.Write([]byte(r.Method + "\n" + r.URL.Path + "\n" + q.Encode()))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "https://push.test"}, zerolog.Nop())
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "https://push.test", AppID: "a", Key: "k", Secret: "s"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.cfg.Timeout)
	assert.Equal(t, 3, c.cfg.MaxRetries)
	assert.Equal(t, 10, c.BatchMax())
}

func TestPublishSignsAndSends(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		checkSignature(t, r, gotBody)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	err := c.Publish(context.Background(), transport.Event{
		Channel: "public-news",
		Name:    "post.created",
		Payload: json.RawMessage(`{"text":"hi"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/apps/app-1/events", gotPath)

	var req publishRequest
	require.NoError(t, json.Unmarshal(gotBody, &req))
	assert.Equal(t, "post.created", req.Name)
	assert.Equal(t, "public-news", req.Channel)
	assert.JSONEq(t, `{"text":"hi"}`, string(req.Data))
}

func TestPublishErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"413 maps to ErrTooLarge", http.StatusRequestEntityTooLarge, transport.ErrTooLarge},
		{"503 maps to ErrUnavailable", http.StatusServiceUnavailable, transport.ErrUnavailable},
		{"400 maps to ErrRejected", http.StatusBadRequest, transport.ErrRejected},
		{"401 maps to ErrRejected", http.StatusUnauthorized, transport.ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, nil)
			err := c.Publish(context.Background(), transport.Event{Channel: "c", Name: "n", Payload: json.RawMessage(`1`)})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)

			// Publishes are at-most-once: no retry even on 5xx.
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestPublishNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := newTestClient(t, srv.URL, nil)
	err := c.Publish(context.Background(), transport.Event{Channel: "c", Name: "n", Payload: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestPublishBatch(t *testing.T) {
	var gotPath string
	var gotBody []byte
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	t.Run("over the cap fails without a request", func(t *testing.T) {
		evs := make([]transport.Event, 11)
		for i := range evs {
			evs[i] = transport.Event{Channel: "c", Name: "n", Payload: json.RawMessage(`1`)}
		}
		err := c.PublishBatch(context.Background(), evs)
		assert.ErrorIs(t, err, transport.ErrBatchTooLarge)
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		require.NoError(t, c.PublishBatch(context.Background(), nil))
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("full batch goes out in one call", func(t *testing.T) {
		evs := make([]transport.Event, 10)
		for i := range evs {
			evs[i] = transport.Event{Channel: "c", Name: "n", Payload: json.RawMessage(`1`)}
		}
		require.NoError(t, c.PublishBatch(context.Background(), evs))
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, "/apps/app-1/batch_events", gotPath)

		var req batchRequest
		require.NoError(t, json.Unmarshal(gotBody, &req))
		assert.Len(t, req.Batch, 10)
	})
}

func TestChannelInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apps/app-1/channels/public-news", r.URL.Path)
		assert.Equal(t, "subscription_count", r.URL.Query().Get("info"))
		checkSignature(t, r, nil)
		w.Write([]byte(`{"occupied":true,"subscription_count":7}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	info, err := c.ChannelInfo(context.Background(), "public-news")
	require.NoError(t, err)
	assert.Equal(t, "public-news", info.Channel)
	assert.Equal(t, 7, info.SubscriberCount)
	assert.True(t, info.Occupied)
}

func TestChannelInfoRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"occupied":false,"subscription_count":0}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.MaxRetries = 3 })
	info, err := c.ChannelInfo(context.Background(), "public-quiet")
	require.NoError(t, err)
	assert.False(t, info.Occupied)
	assert.Equal(t, int32(3), calls.Load())
}

func TestChannelInfoDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such app", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.ChannelInfo(context.Background(), "public-x")
	assert.ErrorIs(t, err, transport.ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
}
