package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/platform/metrics"
	"github.com/chainflow-ai/chainflow/internal/report"
)

// Variables that flip the sender into batch mode when both are present.
const (
	varBatchID   = "batch_id"
	varOutputDir = "output_dir"
	varSessionID = "session_id"
)

// OutputSenderConfig wires the sender's dependencies.
type OutputSenderConfig struct {
	// BaseURL and Secret address the job callback endpoint in HTTP mode.
	BaseURL string
	Secret  string

	// FS handles plain directory destinations; S3 handles s3:// ones.
	// S3 may be nil when the deployment has no object store.
	FS report.Store
	S3 report.Store

	HTTPClient *http.Client
	Log        logger.Logger
	Metrics    *metrics.Metrics

	// Retry overrides the default sender envelope. Zero MaxAttempts
	// selects engine.SenderRetryPolicy().
	Retry engine.RetryPolicy
}

// OutputSender publishes the flow's final reports: either as files under a
// batch output directory, or as a PATCH against the host's job endpoint.
type OutputSender struct {
	baseURL  string
	secret   string
	fs       report.Store
	s3       report.Store
	client   *http.Client
	log      logger.Logger
	metrics  *metrics.Metrics
	policy   engine.RetryPolicy
	inflight sync.Map
}

// NewOutputSender creates the sender executor.
func NewOutputSender(cfg OutputSenderConfig) *OutputSender {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	fs := cfg.FS
	if fs == nil {
		fs = report.NewFSStore()
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = engine.SenderRetryPolicy()
	}
	return &OutputSender{
		baseURL: cfg.BaseURL,
		secret:  cfg.Secret,
		fs:      fs,
		s3:      cfg.S3,
		client:  client,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		policy:  policy,
	}
}

func (s *OutputSender) Kind() string { return flow.KindOutputSender }

func (s *OutputSender) CanExecute(node *flow.Node) bool {
	return node.Kind == flow.KindOutputSender
}

func (s *OutputSender) Execute(ctx context.Context, node *flow.Node, ec engine.Context) error {
	if _, loaded := s.inflight.LoadOrStore(node.ID, struct{}{}); loaded {
		return nil
	}
	defer s.inflight.Delete(node.ID)

	start := time.Now()

	fail := func(err error) error {
		ec.SetResults(map[string]flow.Result{node.ID: flow.Failed(err, time.Since(start))})
		ec.UpdateNodeData(node.ID, map[string]interface{}{engine.DataKeyLastError: err.Error()})
		return err
	}

	config := getMap(node.Data, "config")
	mapping := getMap(node.Data, "mapping")

	if !getBool(config, "autoSend", true) {
		ec.SetResults(map[string]flow.Result{node.ID: flow.Succeeded(map[string]interface{}{
			"mode":    "disabled",
			"message": "Auto-send is disabled",
		}, time.Since(start))})
		return nil
	}

	vars := ec.Variables()
	_, hasBatch := vars.Resolve(varBatchID)
	outputDir, hasDir := vars.Resolve(varOutputDir)

	var (
		output map[string]interface{}
		mode   string
		err    error
	)
	if hasBatch && hasDir {
		mode = "batch"
		output, err = s.sendBatch(ctx, ec, mapping, outputDir)
	} else {
		mode = "http"
		output, err = s.sendHTTP(ctx, node, ec, config, mapping)
	}
	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "failed"
		}
		s.metrics.ReportsDeliveredTotal.WithLabelValues(mode, status).Inc()
	}
	if err != nil {
		return fail(err)
	}

	result := flow.Succeeded(output, time.Since(start))
	result.Stats = &flow.Stats{Timestamp: time.Now().UnixMilli()}
	ec.SetResults(map[string]flow.Result{node.ID: result})
	return nil
}

// sendBatch writes every mapped report under outputDir through the report
// store matching the destination.
func (s *OutputSender) sendBatch(ctx context.Context, ec engine.Context, mapping map[string]interface{}, outputDir string) (map[string]interface{}, error) {
	store := s.fs
	if report.IsS3Dir(outputDir) {
		if s.s3 == nil {
			return nil, fmt.Errorf("output directory %s requires an S3 store but none is configured", outputDir)
		}
		store = s.s3
	}

	saved := make([]string, 0)
	for displayName, variableName := range reportMappings(mapping) {
		content, ok := ec.Variables().Resolve(variableName)
		if !ok {
			if s.log != nil {
				s.log.Warn("report variable not set, skipping",
					"report", displayName, "variable", variableName)
			}
			continue
		}
		location, err := store.Write(ctx, outputDir, report.Filename(displayName), content)
		if err != nil {
			return nil, err
		}
		saved = append(saved, location)
	}

	if s.log != nil {
		s.log.Info("batch reports written", "output_dir", outputDir, "count", len(saved))
	}
	return map[string]interface{}{
		"mode":       "batch",
		"outputDir":  outputDir,
		"savedFiles": saved,
	}, nil
}

// sendHTTP PATCHes the job status payload to the host backend, retrying on
// transient failures.
func (s *OutputSender) sendHTTP(ctx context.Context, node *flow.Node, ec engine.Context, config, mapping map[string]interface{}) (map[string]interface{}, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("sender base URL is not configured")
	}

	vars := ec.Variables()

	jobIDVar := getString(mapping, "jobIdVariable", "job_id")
	jobID, ok := vars.Resolve(jobIDVar)
	if !ok || jobID == "" {
		return nil, fmt.Errorf("job id variable %q is not set", jobIDVar)
	}

	statusVar := getString(mapping, "statusVariable", "job_status")
	status, ok := vars.Resolve(statusVar)
	if !ok || status == "" {
		status = "completed"
	}

	payload := map[string]interface{}{
		"jobId":       jobID,
		"status":      status,
		"completedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if sessionID, ok := vars.Resolve(varSessionID); ok && sessionID != "" {
		payload["sessionId"] = sessionID
	}

	if getBool(config, "includeReports", true) {
		reports := make(map[string]string)
		for displayName, variableName := range reportMappings(mapping) {
			if content, ok := vars.Resolve(variableName); ok {
				reports[displayName] = content
			}
		}
		if len(reports) > 0 {
			payload["reports"] = reports
		}
	}

	for field, variableName := range getStringMap(config, "customFields") {
		if value, ok := vars.Resolve(variableName); ok {
			payload[field] = value
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sender payload: %w", err)
	}

	url := fmt.Sprintf("%s/api/external/jobs/%s", s.baseURL, jobID)
	err = engine.Retry(ctx, s.policy, node, func(ctx context.Context) error {
		return s.patch(ctx, url, body)
	})
	if err != nil {
		return nil, err
	}

	if s.log != nil {
		s.log.Info("job status sent", "job_id", jobID, "status", status)
	}
	return map[string]interface{}{
		"mode":   "http",
		"jobId":  jobID,
		"status": status,
	}, nil
}

func (s *OutputSender) patch(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set("x-backend-secret", s.secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("job update failed: %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	return nil
}

// reportMappings reads mapping.reports as displayName → variableName.
func reportMappings(mapping map[string]interface{}) map[string]string {
	return getStringMap(mapping, "reports")
}
