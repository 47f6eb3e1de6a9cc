package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lherron/cardsync/internal/domain"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultConcurrency = 4
)

// Payload is the job-completion webhook body.
type Payload struct {
	JobID      string          `json:"job_id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Error      *string         `json:"error"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at"`
	Report     json.RawMessage `json:"report"`
}

// PayloadFor builds the webhook body for a finished job.
func PayloadFor(job *domain.JobRecord) Payload {
	report := job.Report
	if len(report) == 0 || !json.Valid(report) {
		report = json.RawMessage(`{}`)
	}
	return Payload{
		JobID:      job.ID,
		Kind:       string(job.Kind),
		Status:     string(job.Status),
		Error:      job.Error,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		Report:     report,
	}
}

// Dispatcher posts payloads to webhook endpoints.
type Dispatcher struct {
	Client      *http.Client
	Concurrency int
	Log         *log.Entry
}

// NewDispatcher creates a dispatcher with the default timeout and pool size.
func NewDispatcher(logger *log.Entry) *Dispatcher {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Dispatcher{
		Client:      &http.Client{Timeout: defaultTimeout},
		Concurrency: defaultConcurrency,
		Log:         logger,
	}
}

// Dispatch sends payload to every valid target and returns how many
// endpoints accepted it. Failures are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, urls []string, payload Payload) int {
	targets := ResolveTargets(urls, payload, d.Log)
	if len(targets) == 0 {
		return 0
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.Log.WithError(err).Error("webhooks: failed to encode payload")
		return 0
	}

	workers := d.Concurrency
	if workers <= 0 {
		workers = defaultConcurrency
	}
	if len(targets) < workers {
		workers = len(targets)
	}

	var delivered atomic.Int32
	jobs := make(chan string)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for endpoint := range jobs {
				if err := d.send(ctx, endpoint, body); err != nil {
					d.Log.WithField("url", endpoint).WithError(err).Warn("webhooks: delivery failed")
					continue
				}
				delivered.Add(1)
			}
		}()
	}

	for _, endpoint := range targets {
		jobs <- endpoint
	}
	close(jobs)
	wg.Wait()
	return int(delivered.Load())
}

func (d *Dispatcher) send(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ResolveTargets templates, normalizes and de-dupes webhook URLs. The
// placeholders {job_id}, {kind} and {status} are substituted.
func ResolveTargets(urls []string, payload Payload, logger *log.Entry) []string {
	if len(urls) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(urls))
	var normalized []string

	for _, raw := range urls {
		templated := strings.TrimSpace(applyTemplate(strings.TrimSpace(raw), payload))
		templated = strings.TrimRight(templated, "/")
		if templated == "" {
			continue
		}
		if !isValidWebhookURL(templated) {
			if logger != nil {
				logger.WithField("url", templated).Warn("webhooks: skipping invalid url")
			}
			continue
		}
		if _, ok := seen[templated]; ok {
			continue
		}
		seen[templated] = struct{}{}
		normalized = append(normalized, templated)
	}

	return normalized
}

func applyTemplate(raw string, payload Payload) string {
	result := strings.ReplaceAll(raw, "{job_id}", payload.JobID)
	result = strings.ReplaceAll(result, "{kind}", payload.Kind)
	result = strings.ReplaceAll(result, "{status}", payload.Status)
	return result
}

func isValidWebhookURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}
