// Package sampleclickhouse stores samples in ClickHouse, one row per
// metric value.
package sampleclickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"meshmon/pkg/models"
)

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer sends samples to ClickHouse via HTTP JSONEachRow.
type Writer struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "meshmon"
	}
	if cfg.Table == "" {
		cfg.Table = "samples"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	base := strings.TrimRight(cfg.URL, "/")
	endpoint := base + "/?query=" + url.QueryEscape(q)

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// row is the table layout: one row per (sample, metric).
type row struct {
	Timestamp string  `json:"ts"`
	NodeID    string  `json:"node_id"`
	Family    string  `json:"family"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Reboot    uint8   `json:"reboot"`
	Control   string  `json:"control"`
}

// expand expands samples into table rows in a stable order. Control samples
// without values produce a single row with an empty metric.
func expand(samples []*models.Sample) []row {
	var out []row
	for _, s := range samples {
		if s == nil {
			continue
		}
		base := row{
			Timestamp: s.Timestamp.UTC().Format("2006-01-02 15:04:05.000"),
			NodeID:    s.NodeID,
			Family:    s.Family,
			Control:   s.Control,
		}
		if s.Reboot {
			base.Reboot = 1
		}
		if len(s.Values) == 0 {
			out = append(out, base)
			continue
		}
		metrics := make([]string, 0, len(s.Values))
		for k := range s.Values {
			metrics = append(metrics, k)
		}
		sort.Strings(metrics)
		for _, m := range metrics {
			r := base
			r.Metric = m
			r.Value = s.Values[m]
			out = append(out, r)
		}
	}
	return out
}

// WriteSamples sends a batch of samples.
func (w *Writer) WriteSamples(samples []*models.Sample) error {
	rows := expand(samples)
	if len(rows) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to marshal sample row: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
