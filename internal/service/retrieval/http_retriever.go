package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
)

// HTTPConfig 知识检索服务的 HTTP 接入配置。
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	TopK     int
	Timeout  time.Duration
	Client   *http.Client
}

// HTTPRetriever calls the knowledge retrieval service over HTTP.
type HTTPRetriever struct {
	endpoint string
	apiKey   string
	topK     int
	client   *http.Client
}

var _ retriever.Retriever = (*HTTPRetriever)(nil)

type queryRequest struct {
	QueryText string `json:"queryText"`
	TopK      int    `json:"topK,omitempty"`
}

type queryResponse struct {
	Passages []Passage `json:"passages"`
}

// NewHTTPRetriever 创建 HTTP 检索客户端。
func NewHTTPRetriever(cfg HTTPConfig) (*HTTPRetriever, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("retrieval endpoint is required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPRetriever{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		topK:     cfg.TopK,
		client:   client,
	}, nil
}

// Retrieve implements retriever.Retriever.
func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := r.topK
	options := retriever.GetCommonOptions(&retriever.Options{TopK: &topK}, opts...)
	if options.TopK != nil && *options.TopK > 0 {
		topK = *options.TopK
	}

	body, err := json.Marshal(queryRequest{QueryText: query, TopK: topK})
	if err != nil {
		return nil, errors.Wrap(err, "encode retrieval request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build retrieval request")
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "retrieval request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("retrieval service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var payload queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decode retrieval response")
	}

	docs := make([]*schema.Document, 0, len(payload.Passages))
	for i, p := range payload.Passages {
		if i >= topK {
			break
		}
		doc := &schema.Document{ID: strconv.Itoa(i), Content: p.Text}
		docs = append(docs, doc.WithScore(p.Score))
	}
	return docs, nil
}
