package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/telhawk-systems/telemetry-tap/internal/config"
	"github.com/telhawk-systems/telemetry-tap/internal/logging"
	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

const templateName = "telemetry-tap-template"

// OpenSearch indexes one document per call, addressed by doc.Index.
type OpenSearch struct {
	client *opensearch.Client
	cfg    config.OpenSearchConfig
	logger *logging.Logger
}

// NewOpenSearch creates the client without contacting the cluster.
func NewOpenSearch(cfg config.OpenSearchConfig, logger *logging.Logger) (*OpenSearch, error) {
	if logger == nil {
		logger = logging.Default()
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
			MaxIdleConnsPerHost: 32,
		},
	}

	osCfg := opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
		// Retries are driven by our own backoff so max_retries means one thing.
		DisableRetry: true,
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &OpenSearch{
		client: client,
		cfg:    cfg,
		logger: logger.With(logging.Sink(NameOpenSearch)),
	}, nil
}

func (s *OpenSearch) Name() string { return NameOpenSearch }

// Write indexes doc under doc.Index with doc.ID as the document id, so a
// retried attempt overwrites rather than duplicates.
func (s *OpenSearch) Write(ctx context.Context, doc *model.PersistedDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return &WriteError{Sink: NameOpenSearch, Index: doc.Index, Err: fmt.Errorf("marshal document: %w", err)}
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	attempt := 0
	op := func() error {
		attempt++
		err := s.index(ctx, doc, body)
		if err != nil && attempt <= s.cfg.MaxRetries {
			s.logger.DebugContext(ctx, "retrying search write",
				logging.Index(doc.Index), logging.Error(err), "attempt", attempt)
		}
		return err
	}

	if err := backoff.Retry(op, s.retryPolicy(ctx)); err != nil {
		return &WriteError{Sink: NameOpenSearch, Index: doc.Index, Err: err}
	}
	return nil
}

func (s *OpenSearch) index(ctx context.Context, doc *model.PersistedDocument, body []byte) error {
	req := opensearchapi.IndexRequest{
		Index:      doc.Index,
		DocumentID: doc.ID,
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		err := fmt.Errorf("index returned %s: %s", res.Status(), truncate(bodyBytes, 512))
		if !retryableStatus(res.StatusCode) {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

func (s *OpenSearch) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if s.cfg.RetryInitial > 0 {
		exp.InitialInterval = s.cfg.RetryInitial
	}
	if s.cfg.RetryMax > 0 {
		exp.MaxInterval = s.cfg.RetryMax
	}
	exp.MaxElapsedTime = 0
	maxRetries := s.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)
}

// Ping reports whether the cluster answers.
func (s *OpenSearch) Ping(ctx context.Context) error {
	res, err := opensearchapi.PingRequest{}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

// Initialize verifies the connection and installs the index template for
// the telemetry, traffic and raw indices.
func (s *OpenSearch) Initialize(ctx context.Context) error {
	info, err := opensearchapi.InfoRequest{}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	if err := s.createIndexTemplate(ctx); err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}

	s.logger.InfoContext(ctx, "opensearch initialized",
		logging.Index(s.cfg.TelemetryIndex), "traffic_index", s.cfg.TrafficIndex, "raw_index", s.cfg.RawIndex)
	return nil
}

func (s *OpenSearch) createIndexTemplate(ctx context.Context) error {
	template := map[string]interface{}{
		"index_patterns": []string{s.cfg.TelemetryIndex, s.cfg.TrafficIndex, s.cfg.RawIndex},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":   s.cfg.ShardCount,
				"number_of_replicas": s.cfg.ReplicaCount,
				"refresh_interval":   s.cfg.RefreshInterval,
			},
			"mappings": documentMappings(),
		},
		"priority": 100,
	}

	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := opensearchapi.IndicesPutIndexTemplateRequest{
		Name: templateName,
		Body: bytes.NewReader(body),
	}.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

func documentMappings() map[string]interface{} {
	return map[string]interface{}{
		"dynamic": true,
		"dynamic_templates": []map[string]interface{}{
			{
				"strings_as_keywords": map[string]interface{}{
					"match_mapping_type": "string",
					"mapping": map[string]interface{}{
						"type": "text",
						"fields": map[string]interface{}{
							"keyword": map[string]interface{}{
								"type":         "keyword",
								"ignore_above": 256,
							},
						},
					},
				},
			},
		},
		"properties": map[string]interface{}{
			"user":         map[string]interface{}{"type": "keyword"},
			"user_ip":      map[string]interface{}{"type": "keyword"},
			"connectionid": map[string]interface{}{"type": "keyword"},
			"timestamp":    map[string]interface{}{"type": "date"},
			"request": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url":      map[string]interface{}{"type": "keyword"},
					"baseData": map[string]interface{}{"type": "keyword"},
					// Raw snippets are kept for inspection but not searched.
					"raw_content": map[string]interface{}{"type": "text", "index": false},
				},
			},
			"payload": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url":       map[string]interface{}{"type": "keyword"},
					"method":    map[string]interface{}{"type": "keyword"},
					"direction": map[string]interface{}{"type": "keyword"},
					"headers":   map[string]interface{}{"type": "object", "enabled": false},
					"content":   map[string]interface{}{"type": "text"},
				},
			},
		},
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
