package store

import (
	"context"
	"path/filepath"
	"testing"

	"cloudidian/internal/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCredentialRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, ok, err := s.LoadCredential(ctx); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	c := model.Credential{
		Token: "jwt-1",
		User:  model.User{ID: "u1", Email: "a@b.com", Name: "A", Picture: "https://p"},
	}
	if err := s.SaveCredential(ctx, c); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	got, ok, err := s.LoadCredential(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadCredential: ok=%v err=%v", ok, err)
	}
	if got != c {
		t.Fatalf("got %+v, want %+v", got, c)
	}

	// Replacing keeps a single row.
	c.Token = "jwt-2"
	if err := s.SaveCredential(ctx, c); err != nil {
		t.Fatalf("SaveCredential replace: %v", err)
	}
	tok, _ := s.Token(ctx)
	if tok != "jwt-2" {
		t.Fatalf("token = %q, want jwt-2", tok)
	}

	if err := s.ClearCredential(ctx); err != nil {
		t.Fatalf("ClearCredential: %v", err)
	}
	if _, ok, _ := s.LoadCredential(ctx); ok {
		t.Fatal("credential still present after clear")
	}
	tok, err = s.Token(ctx)
	if err != nil || tok != "" {
		t.Fatalf("Token after clear = %q, %v", tok, err)
	}
}

func TestSaveCredentialRejectsPartial(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	partial := []model.Credential{
		{Token: "t"},
		{User: model.User{ID: "u1"}},
		{},
	}
	for _, c := range partial {
		if err := s.SaveCredential(ctx, c); err != ErrIncompleteCredential {
			t.Errorf("SaveCredential(%+v) err = %v, want ErrIncompleteCredential", c, err)
		}
	}
	if _, ok, _ := s.LoadCredential(ctx); ok {
		t.Fatal("partial credential was persisted")
	}
}

func TestSettings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, KeyAPIURL)
	if err != nil || v != "" {
		t.Fatalf("GetSetting empty = %q, %v", v, err)
	}
	s.SetSetting(ctx, KeyAPIURL, "http://a")
	s.SetSetting(ctx, KeyAPIURL, "http://b")
	v, _ = s.GetSetting(ctx, KeyAPIURL)
	if v != "http://b" {
		t.Fatalf("expected http://b, got %q", v)
	}
	if err := s.DeleteSetting(ctx, KeyAPIURL); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	v, _ = s.GetSetting(ctx, KeyAPIURL)
	if v != "" {
		t.Fatalf("expected empty after delete, got %q", v)
	}
}

func TestJobCache(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	j := model.Job{JobID: "j1", Status: model.StatusRunning, TotalEmails: 100, ProcessedEmails: 40}
	if err := s.CacheJob(ctx, j); err != nil {
		t.Fatalf("CacheJob: %v", err)
	}
	j.Status = model.StatusCompleted
	j.ProcessedEmails = 100
	j.CategoryCounts = map[string]int{"work": 60, "spam": 40}
	s.CacheJob(ctx, j)
	s.CacheJob(ctx, model.Job{JobID: "j2", Status: model.StatusPending})

	got, ok, err := s.CachedJob(ctx, "j1")
	if err != nil || !ok {
		t.Fatalf("CachedJob: ok=%v err=%v", ok, err)
	}
	if got.Status != model.StatusCompleted || got.ProcessedEmails != 100 || got.CategoryCounts["work"] != 60 {
		t.Fatalf("cached job not updated: %+v", got)
	}
	if _, ok, _ := s.CachedJob(ctx, "missing"); ok {
		t.Fatal("expected missing job to be absent")
	}

	recent, err := s.RecentJobs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentJobs: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(recent))
	}
	if err := s.CacheJob(ctx, model.Job{}); err == nil {
		t.Fatal("expected error for empty job id")
	}
}

func TestCategoriesKeepOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cats := []model.Category{
		{Name: "work", Color: "#4285f4", GmailLabel: "Cloudidian/Work"},
		{Name: "personal", Color: "#34a853"},
		{Name: "finance", Color: "#ab47bc"},
	}
	if err := s.CacheCategories(ctx, cats); err != nil {
		t.Fatalf("CacheCategories: %v", err)
	}
	got, err := s.CachedCategories(ctx)
	if err != nil {
		t.Fatalf("CachedCategories: %v", err)
	}
	if len(got) != 3 || got[0].Name != "work" || got[2].Name != "finance" || got[0].GmailLabel != "Cloudidian/Work" {
		t.Fatalf("unexpected categories: %+v", got)
	}

	// Replacing shrinks the list.
	s.CacheCategories(ctx, cats[:1])
	got, _ = s.CachedCategories(ctx)
	if len(got) != 1 {
		t.Fatalf("expected 1 category, got %d", len(got))
	}
}
