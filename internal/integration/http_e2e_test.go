//go:build integration || !unit

package integration

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	goredis "github.com/redis/go-redis/v9"

	"replypilot/internal/adapters/credstore"
	"replypilot/internal/adapters/gbp"
	server "replypilot/internal/adapters/http_server"
	"replypilot/internal/adapters/openai"
	"replypilot/internal/adapters/pushauth"
	redisad "replypilot/internal/adapters/redis"
	"replypilot/internal/app"
	"replypilot/internal/domain"
	mysqlrepo "replypilot/internal/storage/mysql"
)

// ---------- helpers ----------
func mustEnv(t *testing.T, k string) string {
	t.Helper()
	v := os.Getenv(k)
	if v == "" {
		t.Fatalf("%s not set; export it (e.g. MIGRATIONS_DIR=/path/to/sql)", k)
	}
	return v
}

func applyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	dir := mustEnv(t, "MIGRATIONS_DIR")

	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		t.Fatalf("MIGRATIONS_DIR=%s is not a directory or missing", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	var files []string
	for _, e := range ents {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		t.Fatalf("no .sql files in %s", dir)
	}
	sort.Strings(files)
	for _, f := range files {
		sqlBytes, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := db.Exec(string(sqlBytes)); err != nil {
			t.Fatalf("exec %s: %v", f, err)
		}
	}
}

// ---------- fake upstreams: OAuth token, review platform, chat completions ----------
func apiReview(id, comment string, reply bool) map[string]any {
	r := map[string]any{
		"reviewId":   id,
		"name":       "accounts/1/locations/987/reviews/" + id,
		"reviewer":   map[string]any{"displayName": "Guest " + id},
		"starRating": "FIVE",
		"comment":    comment,
		"createTime": "2026-01-02T10:00:00Z",
		"updateTime": "2026-01-02T10:00:00Z",
	}
	if reply {
		r["reviewReply"] = map[string]any{"comment": "Thanks for visiting!", "updateTime": "2026-01-03T10:00:00Z"}
	}
	return r
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v4/accounts/1/locations/987/reviews/abc", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(apiReview("abc", "Best bread in town", false))
	})
	mux.HandleFunc("/v4/accounts/1/locations/987/reviews", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"reviews": []any{
				apiReview("abc", "Best bread in town", false),
				apiReview("def", "Friendly staff", false),
				apiReview("ghi", "Cozy", true),
			},
			"totalReviewCount": 3,
		})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ResponseFormat *struct{} `json:"response_format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		content := "Thank you for the kind words!"
		if req.ResponseFormat != nil {
			content = `{"sentiment":"Positive","categories":["quality"],"urgent":false}`
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func pushBody(typ, review string) string {
	inner, _ := json.Marshal(map[string]string{
		"type":     typ,
		"review":   review,
		"location": "accounts/1/locations/987",
	})
	b, _ := json.Marshal(map[string]any{
		"message": map[string]string{"data": base64.StdEncoding.EncodeToString(inner)},
	})
	return string(b)
}

func postWebhook(t *testing.T, url, body string) app.IngestResult {
	t.Helper()
	res, err := http.Post(url+"/webhooks/reviews", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d", res.StatusCode)
	}
	var out app.IngestResult
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func listReviews(t *testing.T, url string) domain.ReviewsPage {
	t.Helper()
	res, err := http.Get(url + "/v1/locations/1/reviews")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", res.StatusCode)
	}
	var page domain.ReviewsPage
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return page
}

// ---------- the test ----------
func TestHTTP_EndToEnd_WebhookThenImport(t *testing.T) {
	// Start isolated MySQL container
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("dockertest: %v", err)
	}
	runOpts := &dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env: []string{
			"MYSQL_ROOT_PASSWORD=root",
			"MYSQL_DATABASE=replypilot",
		},
	}
	resource, err := pool.RunWithOptions(runOpts, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("run mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	hostPort := resource.GetPort("3306/tcp")
	dsn := fmt.Sprintf("root:%s@tcp(127.0.0.1:%s)/%s?parseTime=true&multiStatements=true&charset=utf8mb4,utf8&loc=UTC",
		"root", hostPort, "replypilot")

	var db *sql.DB
	if err := pool.Retry(func() error {
		var e error
		db, e = sql.Open("mysql", dsn)
		if e != nil {
			return e
		}
		return db.Ping()
	}); err != nil {
		t.Fatalf("connect mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// Apply your real migrations
	applyMigrations(t, db)

	// Seed one connected location with a sealed refresh token
	cipher, err := credstore.NewCipher("e2e-secret")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	sealed, err := cipher.Encrypt("refresh-10")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	for _, q := range []string{
		`INSERT INTO users (id, email, name) VALUES (1, 'maria@example.com', 'Maria')`,
		`INSERT INTO locations (id, name, external_location_id, resource_name) VALUES (1, 'Corner Bakery', '987', 'accounts/1/locations/987')`,
		`INSERT INTO location_members (location_id, user_id, role, account_id) VALUES (1, 1, 'owner', NULL)`,
	} {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := db.Exec(`INSERT INTO accounts (id, user_id, email, encrypted_refresh_token) VALUES (10, 1, 'maria@example.com', ?)`, sealed); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO account_locations (account_id, location_id) VALUES (10, 1)`); err != nil {
		t.Fatalf("seed link: %v", err)
	}

	// Wire the real services against fake upstreams
	up := newUpstream(t)
	mr := miniredis.RunT(t)
	cache := redisad.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))

	repo := mysqlrepo.New(db)
	creds := credstore.New(repo, cipher)
	sources, err := gbp.NewFactory(gbp.Options{
		BaseURL:      up.URL + "/v4",
		ClientID:     "cid",
		ClientSecret: "csecret",
		TokenURL:     up.URL + "/token",
		RPS:          100,
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	replies := app.NewReplyService(repo, repo, app.NewQuotaGate(repo), openai.New("sk-test", up.URL+"/v1", ""),
		creds, sources, nil, cache)

	srv := server.New()
	srv.MountHandlers(&server.Handlers{
		Verifier: pushauth.New(pushauth.Config{Skip: true}, nil),
		Ingest:   app.NewIngestionService(repo, repo, creds, sources, cache),
		Replies:  replies,
		Import:   app.NewImporter(repo, repo, creds, sources, cache, app.DefaultImportOptions()),
		Q:        app.NewQueryService(repo, cache, time.Minute),
	})
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	// 1) push notification creates the review and drafts a reply in the background
	body := pushBody(app.NotificationNewReview, "accounts/1/locations/987/reviews/abc")
	got := postWebhook(t, ts.URL, body)
	if got.Outcome != app.OutcomeCreated || got.ReviewID == 0 {
		t.Fatalf("unexpected outcome: %+v", got)
	}
	replies.Wait()

	ctx := context.Background()
	rv, err := repo.GetReview(ctx, got.ReviewID)
	if err != nil {
		t.Fatalf("GetReview: %v", err)
	}
	if rv.ReplyStatus != domain.ReplyPending || !rv.ConsumesQuota {
		t.Fatalf("unexpected review: %+v", rv)
	}
	if rv.Classification == nil || rv.Classification.Sentiment != "positive" {
		t.Fatalf("classification: %+v", rv.Classification)
	}
	draft, err := repo.LatestReply(ctx, rv.ID)
	if err != nil || draft.Type != domain.ReplyGenerated || draft.Text != "Thank you for the kind words!" {
		t.Fatalf("draft: %+v, %v", draft, err)
	}

	// 2) redelivery is acknowledged without a second row
	if again := postWebhook(t, ts.URL, body); again.Outcome != app.OutcomeAlreadyProcessed {
		t.Fatalf("redelivery outcome: %+v", again)
	}
	if page := listReviews(t, ts.URL); len(page.Items) != 1 {
		t.Fatalf("expected 1 review, got %d", len(page.Items))
	}

	// 3) bulk import streams progress and skips the review we already have
	res, err := http.Post(ts.URL+"/v1/imports", "application/json", strings.NewReader(`{"accountId":10,"locationId":1}`))
	if err != nil {
		t.Fatalf("POST import: %v", err)
	}
	var (
		last  app.ImportEvent
		names []string
	)
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last); err != nil {
				t.Fatalf("decode event: %v", err)
			}
		}
	}
	res.Body.Close()
	if len(names) == 0 || names[len(names)-1] != app.EventComplete || last.Imported != 2 || last.Fetched != 3 {
		t.Fatalf("events %v, last %+v", names, last)
	}

	// 4) the cached list was invalidated by the import
	page := listReviews(t, ts.URL)
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 reviews after import, got %d", len(page.Items))
	}
	answered, err := repo.FindReviewByExternalID(ctx, 1, "ghi")
	if err != nil || answered.ReplyStatus != domain.ReplyPosted || answered.ConsumesQuota {
		t.Fatalf("imported answered review: %+v, %v", answered, err)
	}
}
