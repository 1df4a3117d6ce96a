package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revoagent/fabric/core"
)

// setupTestManager creates a miniredis-backed webhook manager
func setupTestManager(t *testing.T, opts ...ManagerOption) (*miniredis.Miniredis, *Manager) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	kv := core.NewRedisKVFromClient(client, "test")
	m := NewManager(kv, opts...)
	t.Cleanup(m.Stop)
	return mr, m
}

func TestSignVerifyRoundTripAndTamper(t *testing.T) {
	_, m := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.RegisterWebhook(WebhookConfig{
		EventType: "push",
		Secret:    "s3cret",
		Algorithm: SignatureHMACSHA256,
	}))

	payload := map[string]interface{}{"ref": "refs/heads/main", "commits": "3"}
	sig, err := Sign("s3cret", payload, SignatureHMACSHA256)
	require.NoError(t, err)

	id, err := m.Receive(ctx, "push", "github", nil, payload, sig)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Prefixed form is accepted too
	_, err = m.Receive(ctx, "push", "github", nil, payload, "sha256="+sig)
	require.NoError(t, err)

	tampered := map[string]interface{}{"ref": "refs/heads/evil", "commits": "3"}
	_, err = m.Receive(ctx, "push", "github", nil, tampered, sig)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidSignature)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestSHA1Signatures(t *testing.T) {
	_, m := setupTestManager(t)

	require.NoError(t, m.RegisterWebhook(WebhookConfig{
		EventType: "legacy",
		Secret:    "old",
		Algorithm: SignatureHMACSHA1,
	}))

	payload := map[string]interface{}{"event": "ping"}
	sig, err := Sign("old", payload, SignatureHMACSHA1)
	require.NoError(t, err)

	_, err = m.Receive(context.Background(), "legacy", "ci", nil, payload, "sha1="+sig)
	require.NoError(t, err)
}

func TestNoSecretSkipsVerification(t *testing.T) {
	_, m := setupTestManager(t)

	require.NoError(t, m.RegisterWebhook(WebhookConfig{EventType: "open"}))
	_, err := m.Receive(context.Background(), "open", "anyone", nil, map[string]interface{}{"x": "1"}, "")
	require.NoError(t, err)
}

func TestUnknownEventType(t *testing.T) {
	_, m := setupTestManager(t)

	_, err := m.Receive(context.Background(), "ghost", "s", nil, map[string]interface{}{}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnknownEventType)
}

func TestDispatchRetryThenSuccess(t *testing.T) {
	_, m := setupTestManager(t, WithWorkers(1))
	ctx := context.Background()

	require.NoError(t, m.RegisterWebhook(WebhookConfig{
		EventType:  "deploy",
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
	}))

	var mu sync.Mutex
	calls := 0
	require.NoError(t, m.RegisterHandler(Handler{
		Name:      "flaky",
		EventType: "deploy",
		Fn: func(ctx context.Context, event *WebhookEvent) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("transient")
			}
			return nil
		},
	}))

	m.Start(ctx)
	_, err := m.Receive(ctx, "deploy", "ci", nil, map[string]interface{}{"version": "1.2.3"}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, serr := m.Stats(ctx)
		return serr == nil && stats.Completed == 1
	}, 5*time.Second, 20*time.Millisecond)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Retried)
	assert.Equal(t, uint64(0), stats.DeadLettered)
}

func TestDeadLetterAfterExhaustion(t *testing.T) {
	_, m := setupTestManager(t, WithWorkers(1))
	ctx := context.Background()

	require.NoError(t, m.RegisterWebhook(WebhookConfig{
		EventType:  "doomed",
		MaxRetries: 1,
		RetryDelay: 5 * time.Millisecond,
	}))
	require.NoError(t, m.RegisterHandler(Handler{
		Name:      "always-fails",
		EventType: "doomed",
		Fn: func(ctx context.Context, event *WebhookEvent) error {
			return errors.New("permanent")
		},
	}))

	m.Start(ctx)
	_, err := m.Receive(ctx, "doomed", "s", nil, map[string]interface{}{"n": "1"}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, serr := m.Stats(ctx)
		return serr == nil && stats.DeadLettered == 1
	}, 5*time.Second, 20*time.Millisecond)

	letters, err := m.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "max_retries_exceeded", letters[0].Reason)
	assert.Equal(t, EventDeadLetter, letters[0].Event.Status)
	assert.Contains(t, letters[0].Event.LastError, "permanent")
}

func TestHandlerPriorityOrder(t *testing.T) {
	_, m := setupTestManager(t, WithWorkers(1))
	ctx := context.Background()

	require.NoError(t, m.RegisterWebhook(WebhookConfig{EventType: "ordered"}))

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context, *WebhookEvent) error {
		return func(ctx context.Context, event *WebhookEvent) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	require.NoError(t, m.RegisterHandler(Handler{Name: "low", EventType: "ordered", Priority: 1, Fn: record("low")}))
	require.NoError(t, m.RegisterHandler(Handler{Name: "high", EventType: "ordered", Priority: 10, Fn: record("high")}))

	m.Start(ctx)
	_, err := m.Receive(ctx, "ordered", "s", nil, map[string]interface{}{"x": "1"}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestHTTPIngress(t *testing.T) {
	_, m := setupTestManager(t)

	require.NoError(t, m.RegisterWebhook(WebhookConfig{
		EventType: "push",
		Secret:    "s3cret",
	}))

	server := httptest.NewServer(m.Routes())
	t.Cleanup(server.Close)

	payload := map[string]interface{}{"ref": "refs/heads/main"}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	sig, err := Sign("s3cret", payload, SignatureHMACSHA256)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/webhooks/push", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Hub-Signature-256", "sha256="+sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out["event_id"])

	// Tampered body is refused
	req2, err := http.NewRequest(http.MethodPost, server.URL+"/webhooks/push", bytes.NewReader([]byte(`{"ref":"evil"}`)))
	require.NoError(t, err)
	req2.Header.Set("X-Hub-Signature-256", "sha256="+sig)
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	// Unknown integration path
	resp3, err := http.Post(server.URL+"/webhooks/ghost", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}
