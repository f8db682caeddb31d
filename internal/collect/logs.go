package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kuremedy/kuremedy/internal/models"
)

const (
	defaultMaxLogLines = 1000
	maxSampleErrors    = 10
	maxStackTraces     = 5
	maxSampleLen       = 500
	maxTraceLen        = 1000
)

// logClasses are checked most specific first so a line reading "request
// timed out" lands in timeout, not just error. A line can count toward
// multiple classes.
var logClasses = []struct {
	name string
	re   *regexp.Regexp
}{
	{"panic", regexp.MustCompile(`(?i)\b(panic|fatal)\b`)},
	{"oom", regexp.MustCompile(`(?i)(oomkilled|out of memory|outofmemoryerror)`)},
	{"connection_refused", regexp.MustCompile(`(?i)(connection refused|connection reset|cannot connect|unable to connect)`)},
	{"timeout", regexp.MustCompile(`(?i)(timeout|timed out|deadline exceeded)`)},
	{"5xx", regexp.MustCompile(`(?i)(status(?:[ =:]+|_?code[ =:]+)5\d\d|http/\d(?:\.\d)?"? 5\d\d|\b(internal server error|bad gateway|service unavailable|gateway timeout)\b)`)},
	{"error", regexp.MustCompile(`(?i)\b(error|err|exception|fail|failed|failure)\b`)},
}

var stackTracePatterns = []*regexp.Regexp{
	regexp.MustCompile(`at\s+[\w.$]+\([\w.]+:\d+\)`),  // Java
	regexp.MustCompile(`File "[^"]+", line \d+`),      // Python
	regexp.MustCompile(`goroutine \d+ \[.+\]:`),       // Go
	regexp.MustCompile(`\s+at\s+.+\s+\(.+:\d+:\d+\)`), // Node
}

// LogsCollector pulls the incident window's log lines from Loki and distills
// them into class counts, an error rate, and retained samples.
type LogsCollector struct {
	baseURL  string
	client   *http.Client
	maxLines int
}

func NewLogsCollector(baseURL string, client *http.Client, maxLines int) *LogsCollector {
	if client == nil {
		client = NewBackendClient("loki", 30*time.Second)
	}
	if maxLines <= 0 {
		maxLines = defaultMaxLogLines
	}
	return &LogsCollector{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		maxLines: maxLines,
	}
}

func (c *LogsCollector) Name() string { return "logs" }

func (c *LogsCollector) Collect(ctx context.Context, cc CollectionContext, window models.TimeWindow) ([]models.Evidence, error) {
	lines, err := c.queryRange(ctx, cc, window)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}

	entity := cc.Service
	if entity == "" {
		entity = cc.Namespace
	}
	data, strength := analyzeLogLines(lines)
	return []models.Evidence{newEvidence(cc, window,
		models.EvidenceLogsPattern, models.SourceLogs,
		entity, cc.Namespace,
		models.EvidenceData{LogsPattern: &data}, strength)}, nil
}

type lokiQueryResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

func (c *LogsCollector) queryRange(ctx context.Context, cc CollectionContext, window models.TimeWindow) ([]string, error) {
	selector := fmt.Sprintf("{namespace=%q}", cc.Namespace)
	if cc.Service != "" {
		selector = fmt.Sprintf("{namespace=%q, app=%q}", cc.Namespace, cc.Service)
	}

	params := url.Values{}
	params.Set("query", selector)
	params.Set("start", strconv.FormatInt(window.Start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(window.End.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(c.maxLines))
	params.Set("direction", "backward")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/loki/api/v1/query_range?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build loki request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query loki: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("loki responded with status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var payload lokiQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode loki response: %w", err)
	}
	if payload.Status != "success" {
		return nil, fmt.Errorf("loki query status %q", payload.Status)
	}

	var lines []string
	for _, stream := range payload.Data.Result {
		for _, value := range stream.Values {
			lines = append(lines, value[1])
		}
	}
	return lines, nil
}

func analyzeLogLines(lines []string) (models.LogsPatternData, float64) {
	data := models.LogsPatternData{
		TotalLines:  len(lines),
		ClassCounts: make(map[string]int),
	}

	errorLines := 0
	for _, line := range lines {
		isError := false
		for _, class := range logClasses {
			if !class.re.MatchString(line) {
				continue
			}
			data.ClassCounts[class.name]++
			if class.name != "connection_refused" && class.name != "timeout" {
				isError = true
			}
		}
		if isError {
			errorLines++
			if len(data.SampleErrors) < maxSampleErrors {
				data.SampleErrors = append(data.SampleErrors, truncateLine(line, maxSampleLen))
			}
		}
		if len(data.StackTraces) < maxStackTraces {
			for _, pattern := range stackTracePatterns {
				if pattern.MatchString(line) {
					data.StackTraces = append(data.StackTraces, truncateLine(line, maxTraceLen))
					break
				}
			}
		}
	}
	if data.TotalLines > 0 {
		data.ErrorRate = float64(errorLines) / float64(data.TotalLines)
	}

	strength := 0.3
	switch {
	case errorLines > 10:
		strength = 0.9
	case errorLines > 5:
		strength = 0.8
	case errorLines > 0:
		strength = 0.6
	case data.ClassCounts["timeout"]+data.ClassCounts["connection_refused"] > 10:
		strength = 0.5
	}
	if data.ClassCounts["oom"] > 0 || data.ClassCounts["panic"] > 0 {
		strength = math.Max(strength, 0.95)
	}
	return data, strength
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
