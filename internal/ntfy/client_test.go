package ntfy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/civicq/askrank/internal/moderation"
)

func TestNewBareTopic(t *testing.T) {
	c := New("askrank-mods", "", "anomaly_escalation", nil)
	if c.url != "https://ntfy.sh/askrank-mods" {
		t.Fatalf("got %q", c.url)
	}
}

func TestNewFullURL(t *testing.T) {
	c := New("https://ntfy.example.com/mods", "tok123", "anomaly_escalation", nil)
	if c.url != "https://ntfy.example.com/mods" {
		t.Fatalf("got %q", c.url)
	}
	if c.token != "tok123" {
		t.Fatalf("got token %q", c.token)
	}
}

func TestKindFilteringWhitespace(t *testing.T) {
	c := New("t", "", " anomaly_escalation , manual_cluster_assignment ", nil)
	if !c.kinds[moderation.AnomalyEscalation] || !c.kinds[moderation.ManualClusterAssignment] {
		t.Fatal("both should be enabled")
	}
	if c.kinds[moderation.QuestionApproval] {
		t.Fatal("question_approval should not be enabled")
	}
}

func TestNotifyFiltered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not have been called")
	}))
	defer srv.Close()
	c := New(srv.URL, "", "anomaly_escalation", nil)
	if err := c.Notify(context.Background(), moderation.Item{Kind: moderation.QuestionApproval, ContestID: "c1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

func TestNotifyEscalation(t *testing.T) {
	var mu sync.Mutex
	var gotTitle, gotBody, gotPriority, gotTags, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotTitle = r.Header.Get("Title")
		gotPriority = r.Header.Get("Priority")
		gotTags = r.Header.Get("Tags")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := New(srv.URL, "mytoken", "anomaly_escalation", nil)
	err := c.Notify(context.Background(), moderation.Item{
		Kind:      moderation.AnomalyEscalation,
		ContestID: "c1",
		SubjectID: "device_cohort:ab12",
		Severity:  0.9,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotTitle != "Voting anomaly (severity 0.90)" {
		t.Fatalf("title = %q", gotTitle)
	}
	if gotBody != "contest c1: device_cohort:ab12" {
		t.Fatalf("body = %q", gotBody)
	}
	if gotPriority != "urgent" {
		t.Fatalf("priority = %q", gotPriority)
	}
	if gotTags != "rotating_light" {
		t.Fatalf("tags = %q", gotTags)
	}
	if gotAuth != "Bearer mytoken" {
		t.Fatalf("auth = %q", gotAuth)
	}
}

func TestPriority(t *testing.T) {
	cases := []struct {
		it   moderation.Item
		want string
	}{
		{moderation.Item{Kind: moderation.AnomalyEscalation, Severity: 0.8}, "urgent"},
		{moderation.Item{Kind: moderation.AnomalyEscalation, Severity: 0.5}, "high"},
		{moderation.Item{Kind: moderation.ManualClusterAssignment}, "default"},
		{moderation.Item{Kind: moderation.DuplicateReview}, "low"},
	}
	for _, c := range cases {
		if got := priority(c.it); got != c.want {
			t.Errorf("priority(%s, %.1f) = %q, want %q", c.it.Kind, c.it.Severity, got, c.want)
		}
	}
}

func TestSendTest(t *testing.T) {
	var gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", nil)
	if err := c.SendTest(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTitle != "askrank test" {
		t.Fatalf("title = %q", gotTitle)
	}
}

func TestSendTestHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", nil)
	if err := c.SendTest(context.Background()); err == nil {
		t.Fatal("expected error for HTTP 403")
	}
}
