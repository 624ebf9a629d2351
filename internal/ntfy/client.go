// Package ntfy pushes moderation alerts to an ntfy topic (ntfy.sh or a
// self-hosted server) so moderators learn about new items without polling.
package ntfy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/civicq/askrank/internal/logger"
	"github.com/civicq/askrank/internal/moderation"
)

const postTimeout = 10 * time.Second

// Client sends push notifications for moderation items.
type Client struct {
	url   string // full URL: https://ntfy.sh/{topic}
	token string // optional bearer token for reserved topics
	kinds map[moderation.Kind]bool
	http  *http.Client
	log   *slog.Logger
}

// New creates a client. Topic can be a bare topic name (expanded to
// https://ntfy.sh/{topic}) or a full URL (https://ntfy.example.com/mytopic).
// Kinds is a comma-separated list of item kinds to announce, e.g.
// "anomaly_escalation,manual_cluster_assignment".
func New(topic, token, kinds string, log *slog.Logger) *Client {
	url := topic
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		url = "https://ntfy.sh/" + topic
	}
	km := make(map[moderation.Kind]bool)
	for _, k := range strings.Split(kinds, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			km[moderation.Kind(k)] = true
		}
	}
	return &Client{url: url, token: token, kinds: km, http: http.DefaultClient, log: logger.Or(log)}
}

// Notify announces a queued item if its kind is enabled.
func (c *Client) Notify(ctx context.Context, it moderation.Item) error {
	if !c.kinds[it.Kind] {
		return nil
	}
	title, tags := describe(it)
	body := fmt.Sprintf("contest %s: %s", it.ContestID, it.SubjectID)
	return c.post(ctx, title, body, priority(it), tags)
}

// SendTest sends a test notification and returns any error.
func (c *Client) SendTest(ctx context.Context) error {
	return c.post(ctx, "askrank test", "Moderator alerts are working!", "default", "test_tube")
}

func describe(it moderation.Item) (title, tags string) {
	switch it.Kind {
	case moderation.AnomalyEscalation:
		return fmt.Sprintf("Voting anomaly (severity %.2f)", it.Severity), "rotating_light"
	case moderation.ManualClusterAssignment:
		return "Question needs a cluster", "jigsaw"
	case moderation.DuplicateReview:
		return "Possible duplicate question", "twins"
	case moderation.QuestionApproval:
		return "Question awaiting approval", "inbox_tray"
	}
	return string(it.Kind), "bell"
}

func priority(it moderation.Item) string {
	switch {
	case it.Kind == moderation.AnomalyEscalation && it.Severity >= 0.8:
		return "urgent"
	case it.Kind == moderation.AnomalyEscalation:
		return "high"
	case it.Kind == moderation.ManualClusterAssignment:
		return "default"
	}
	return "low"
}

func (c *Client) post(ctx context.Context, title, body, priority, tags string) error {
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewBufferString(body))
	if err != nil {
		return fmt.Errorf("ntfy: build request: %w", err)
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("ntfy post failed", "error", err)
		return fmt.Errorf("ntfy: post: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("ntfy: HTTP %d", resp.StatusCode)
		c.log.Warn("ntfy post rejected", "status", resp.StatusCode)
		return err
	}
	return nil
}
