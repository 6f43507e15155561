package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/perimetra/fieldsync/internal/settings"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type clientFixture struct {
	client  *Client
	creds   *Credentials
	logouts *atomic.Int32
}

// newClientFixture spins up a fake authority on the given router and wires a
// client against it with fast retries.
func newClientFixture(t *testing.T, router *gin.Engine) *clientFixture {
	t.Helper()

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("failed to open settings: %v", err)
	}
	creds, err := NewCredentials(store, time.Now)
	if err != nil {
		t.Fatalf("failed to build credentials: %v", err)
	}

	logouts := &atomic.Int32{}
	client, err := NewClient(ClientConfig{
		BaseURL:        server.URL,
		Credentials:    creds,
		HTTPClient:     server.Client(),
		RetryDelay:     time.Millisecond,
		ClientVersion:  "1.2.3",
		OnForcedLogout: func() { logouts.Add(1) },
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return &clientFixture{client: client, creds: creds, logouts: logouts}
}

func TestAuthenticateStoresTokenPair(t *testing.T) {
	router := gin.New()
	router.POST("/auth/login/", func(ctx *gin.Context) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
			DeviceID string `json:"device_id"`
		}
		if err := ctx.ShouldBindJSON(&body); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		if body.Username != "tech" || body.Password != "secret" {
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"token":         "access-0",
			"refresh_token": "refresh-0",
			"user_id":       int64(12),
			"username":      "tech",
		})
	})

	fixture := newClientFixture(t, router)
	result, err := fixture.client.Authenticate(context.Background(), "tech", "secret", "device-1")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if result.UserID != 12 || result.Username != "tech" {
		t.Fatalf("unexpected auth result: %+v", result)
	}
	if fixture.creds.AccessToken() != "access-0" || fixture.creds.RefreshToken() != "refresh-0" {
		t.Fatalf("expected stored pair, got %q / %q", fixture.creds.AccessToken(), fixture.creds.RefreshToken())
	}
}

func TestRequestsCarryIdentityHeaders(t *testing.T) {
	var captured http.Header
	router := gin.New()
	router.GET("/sync/pull/", func(ctx *gin.Context) {
		captured = ctx.Request.Header.Clone()
		ctx.JSON(http.StatusOK, gin.H{"watermark": time.Now().UTC(), "collections": gin.H{}})
	})

	fixture := newClientFixture(t, router)
	if err := fixture.creds.SetPair("access-0", "refresh-0"); err != nil {
		t.Fatalf("set pair failed: %v", err)
	}
	if _, err := fixture.client.PullSince(context.Background(), time.Time{}); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	if got := captured.Get("Authorization"); got != "Token access-0" {
		t.Fatalf("unexpected authorization header: %q", got)
	}
	if got := captured.Get("X-Client-App"); got != "fieldsync" {
		t.Fatalf("unexpected client app header: %q", got)
	}
	if got := captured.Get("X-Platform"); got != "go-agent" {
		t.Fatalf("unexpected platform header: %q", got)
	}
	if got := captured.Get("X-Client-Version"); got != "1.2.3" {
		t.Fatalf("unexpected version header: %q", got)
	}
}

func TestServerErrorsRetryUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	router := gin.New()
	router.POST("/sync/push/", func(ctx *gin.Context) {
		if calls.Add(1) <= 2 {
			ctx.JSON(http.StatusBadGateway, gin.H{"error": "upstream down"})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"results": []gin.H{}})
	})

	fixture := newClientFixture(t, router)
	if _, err := fixture.client.PushMutations(context.Background(), []MutationItem{}); err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestClientErrorsDoNotRetry(t *testing.T) {
	var calls atomic.Int32
	router := gin.New()
	router.POST("/sync/push/", func(ctx *gin.Context) {
		calls.Add(1)
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "malformed mutation"})
	})

	fixture := newClientFixture(t, router)
	_, err := fixture.client.PushMutations(context.Background(), []MutationItem{})
	if err == nil {
		t.Fatalf("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Transient() {
		t.Fatalf("unexpected error classification: %+v", apiErr)
	}
	if apiErr.Message != "malformed mutation" {
		t.Fatalf("expected extracted message, got %q", apiErr.Message)
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not retry, got %d calls", calls.Load())
	}
}

func TestRetriesGiveUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	router := gin.New()
	router.POST("/sync/push/", func(ctx *gin.Context) {
		calls.Add(1)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "still broken"})
	})

	fixture := newClientFixture(t, router)
	_, err := fixture.client.PushMutations(context.Background(), []MutationItem{})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if calls.Load() != 4 {
		t.Fatalf("expected initial call plus 3 retries, got %d", calls.Load())
	}
}

func TestConcurrentUnauthorizedRequestsShareOneRefresh(t *testing.T) {
	router := gin.New()
	var mu sync.Mutex
	var refreshCalls atomic.Int32
	validToken := "access-fresh"

	router.GET("/sync/pull/", func(ctx *gin.Context) {
		mu.Lock()
		current := validToken
		mu.Unlock()
		if ctx.GetHeader("Authorization") != "Token "+current {
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"watermark": time.Now().UTC(), "collections": gin.H{}})
	})
	router.POST("/auth/refresh/", func(ctx *gin.Context) {
		refreshCalls.Add(1)
		// Refresh is deliberately slow so every stalled caller joins the
		// in-flight call instead of starting its own.
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		validToken = "access-fresh"
		mu.Unlock()
		ctx.JSON(http.StatusOK, gin.H{"token": "access-fresh", "refresh_token": "refresh-next"})
	})

	fixture := newClientFixture(t, router)
	if err := fixture.creds.SetPair("access-stale", "refresh-0"); err != nil {
		t.Fatalf("set pair failed: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fixture.client.PullSince(context.Background(), time.Time{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d failed: %v", i, err)
		}
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}
	if fixture.creds.AccessToken() != "access-fresh" {
		t.Fatalf("expected refreshed token stored, got %q", fixture.creds.AccessToken())
	}
}

func TestFailedRefreshTerminatesSession(t *testing.T) {
	router := gin.New()
	router.GET("/sync/pull/", func(ctx *gin.Context) {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
	})
	router.POST("/auth/refresh/", func(ctx *gin.Context) {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked"})
	})

	fixture := newClientFixture(t, router)
	if err := fixture.creds.SetPair("access-stale", "refresh-revoked"); err != nil {
		t.Fatalf("set pair failed: %v", err)
	}

	_, err := fixture.client.PullSince(context.Background(), time.Time{})
	if !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("expected session termination, got %v", err)
	}
	if fixture.creds.AccessToken() != "" || fixture.creds.RefreshToken() != "" {
		t.Fatalf("expected cleared credentials after failed refresh")
	}
	if fixture.logouts.Load() != 1 {
		t.Fatalf("expected forced-logout hook to fire once, got %d", fixture.logouts.Load())
	}
}

func TestUnauthorizedWithoutRefreshTokenTerminatesSession(t *testing.T) {
	router := gin.New()
	router.GET("/sync/pull/", func(ctx *gin.Context) {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "no token"})
	})

	fixture := newClientFixture(t, router)
	_, err := fixture.client.PullSince(context.Background(), time.Time{})
	if !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("expected session termination, got %v", err)
	}
	if fixture.logouts.Load() != 1 {
		t.Fatalf("expected forced-logout hook to fire once, got %d", fixture.logouts.Load())
	}
}

func TestUploadAttachmentSendsMultipart(t *testing.T) {
	router := gin.New()
	router.POST("/media/", func(ctx *gin.Context) {
		mediaID := ctx.PostForm("media_id")
		kind := ctx.PostForm("kind")
		file, header, err := ctx.Request.FormFile("file")
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
			return
		}
		defer file.Close()
		if mediaID != "m-1" || kind != "photo" || header.Filename != "photo.jpg" {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "bad metadata"})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"path": "/media/2026/" + header.Filename})
	})

	fixture := newClientFixture(t, router)
	meta := AttachmentMeta{
		MediaID:    "m-1",
		OwnerTable: "execution_reports",
		OwnerID:    "er-1",
		Kind:       "photo",
		FileName:   "photo.jpg",
	}
	path, err := fixture.client.UploadAttachment(context.Background(), meta, strings.NewReader("jpeg-bytes"))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if path != "/media/2026/photo.jpg" {
		t.Fatalf("unexpected server path: %q", path)
	}
}

func TestPing(t *testing.T) {
	var calls atomic.Int32
	router := gin.New()
	router.GET("/sync/status/", func(ctx *gin.Context) {
		if calls.Add(1) == 1 {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "warming up"})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	fixture := newClientFixture(t, router)
	if fixture.client.Ping(context.Background()) {
		t.Fatalf("unavailable authority must not report reachable")
	}
	if !fixture.client.Ping(context.Background()) {
		t.Fatalf("healthy authority must report reachable")
	}
	if calls.Load() != 2 {
		t.Fatalf("ping must not retry, got %d calls", calls.Load())
	}
}

func TestPushMutationsDecodesResults(t *testing.T) {
	router := gin.New()
	router.POST("/sync/push/", func(ctx *gin.Context) {
		var body struct {
			Mutations []MutationItem `json:"mutations"`
		}
		if err := ctx.ShouldBindJSON(&body); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "bad batch"})
			return
		}
		results := make([]gin.H, 0, len(body.Mutations))
		for i, item := range body.Mutations {
			serverID := int64(100 + i)
			results = append(results, gin.H{"id": item.ID, "accepted": true, "server_id": serverID})
		}
		ctx.JSON(http.StatusOK, gin.H{"results": results})
	})

	fixture := newClientFixture(t, router)
	batch := []MutationItem{
		{Table: "work_orders", Action: "UPDATE", ID: "wo-1"},
		{Table: "work_orders", Action: "UPDATE", ID: "wo-2"},
	}
	results, err := fixture.client.PushMutations(context.Background(), batch)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "wo-1" || !results[0].Accepted || results[0].ServerID == nil || *results[0].ServerID != 100 {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
}
