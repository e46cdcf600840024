package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/brokerfeed/serviceclients/pkg/config"
	"github.com/brokerfeed/serviceclients/pkg/logging"
	"github.com/brokerfeed/serviceclients/pkg/resilience"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// Client wraps an Elasticsearch cluster behind the shared retry shell.
// Queries and index administration both run inside it; bulk indexing
// refreshes the index afterwards so a subsequent search observes the
// write. Not safe for concurrent use; run one per worker.
type Client struct {
	cfg    *config.SearchConfig
	lane   *resilience.Lane
	exec   *resilience.Executor
	policy resilience.Policy
	logger *logging.Logger
}

// Hit is one matched document.
type Hit struct {
	ID     string          `json:"_id"`
	Index  string          `json:"_index"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

type hitsEnvelope struct {
	Hits struct {
		Hits []Hit `json:"hits"`
	} `json:"hits"`
}

// New creates a search client.
func New(cfg *config.SearchConfig) (*Client, error) {
	if cfg == nil {
		return nil, serviceerr.Fatal("search.new", "search configuration is required")
	}
	if len(cfg.Addresses) == 0 {
		return nil, serviceerr.Fatal("search.new", "at least one search address is required")
	}

	return &Client{
		cfg:  cfg,
		lane: resilience.NewLane("search", "main", &connector{cfg: cfg}, cfg.ConnRetries),
		exec: resilience.NewExecutor(),
		policy: resilience.Policy{
			MaxAttempts: cfg.RetryAttempts,
			Backoff:     cfg.ReconnectSleep,
		},
		logger: logging.GetLogger(),
	}, nil
}

// SetLockHook installs the hook run when the server rejects work due
// to a full queue before the in-place retry. Default is a no-op.
func (c *Client) SetLockHook(hook func()) {
	c.policy.OnLocked = hook
}

// Search runs one query against an index and returns the hits in
// order. A missing index yields an empty slice, not an error.
func (c *Client) Search(ctx context.Context, index string, query json.RawMessage) ([]Hit, error) {
	op := "search.search"

	var hits []Hit
	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		es := h.(*handle).es

		res, err := es.Search(
			es.Search.WithContext(ctx),
			es.Search.WithIndex(index),
			es.Search.WithBody(bytes.NewReader(query)),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		defer res.Body.Close()

		var envelope hitsEnvelope
		if err := decodeResponse(op, res, &envelope); err != nil {
			return err
		}
		hits = envelope.Hits.Hits
		return nil
	})
	if err != nil {
		if serviceerr.Is(err, serviceerr.ClassNotFound) {
			return []Hit{}, nil
		}
		return nil, err
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

// MSearch runs many queries against one index, chunked so a large
// batch does not overflow the server-side search queue, and returns
// one hit list per query in order.
func (c *Client) MSearch(ctx context.Context, index string, queries []json.RawMessage) ([][]Hit, error) {
	op := "search.msearch"

	chunkSize := c.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}

	header, err := json.Marshal(map[string]string{"index": index})
	if err != nil {
		return nil, serviceerr.Data(op, "cannot encode msearch header").WithCause(err)
	}

	found := make([][]Hit, 0, len(queries))
	for start := 0; start < len(queries); start += chunkSize {
		end := start + chunkSize
		if end > len(queries) {
			end = len(queries)
		}
		chunk := queries[start:end]

		var body bytes.Buffer
		for _, q := range chunk {
			body.Write(header)
			body.WriteByte('\n')
			body.Write(q)
			body.WriteByte('\n')
		}

		var responses []hitsEnvelope
		err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
			es := h.(*handle).es

			res, err := es.Msearch(
				bytes.NewReader(body.Bytes()),
				es.Msearch.WithContext(ctx),
			)
			if err != nil {
				return classifyTransport(op, err)
			}
			defer res.Body.Close()

			var envelope struct {
				Responses []hitsEnvelope `json:"responses"`
			}
			if err := decodeResponse(op, res, &envelope); err != nil {
				return err
			}
			if len(envelope.Responses) != len(chunk) {
				return serviceerr.Data(op, fmt.Sprintf("expected %d responses, got %d", len(chunk), len(envelope.Responses)))
			}
			responses = envelope.Responses
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, r := range responses {
			hits := r.Hits.Hits
			if hits == nil {
				hits = []Hit{}
			}
			found = append(found, hits)
		}
	}
	return found, nil
}

// Close releases the cluster connection.
func (c *Client) Close() error {
	return c.lane.Close()
}

// idleCloser is the part of http.Transport a discarded handle needs.
type idleCloser interface {
	CloseIdleConnections()
}

// handle wraps one cluster client and the transport it pools
// connections on.
type handle struct {
	es        *elasticsearch.Client
	transport idleCloser
}

// Close drops the pooled per-node connections so an invalidated
// handle does not leak idle sockets.
func (h *handle) Close() error {
	if h.transport != nil {
		h.transport.CloseIdleConnections()
	}
	return nil
}

type connector struct {
	cfg *config.SearchConfig
}

func (cn *connector) Connect(ctx context.Context) (resilience.Handle, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cn.cfg.Addresses,
		Username:  cn.cfg.Username,
		Password:  cn.cfg.Password,
		Transport: transport,
		// The resilience loop owns retries.
		DisableRetry: true,
	})
	if err != nil {
		return nil, err
	}

	res, err := es.Ping(es.Ping.WithContext(ctx))
	if err != nil {
		transport.CloseIdleConnections()
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("ping failed: %s", res.Status())
	}
	return &handle{es: es, transport: transport}, nil
}

func (cn *connector) Alive(ctx context.Context, h resilience.Handle) bool {
	res, err := h.(*handle).es.Ping(h.(*handle).es.Ping.WithContext(ctx))
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return !res.IsError()
}

// decodeResponse classifies an error response or decodes a successful
// body into out (out may be nil to discard).
func decodeResponse(op string, res *esapi.Response, out interface{}) error {
	if res.IsError() {
		return classifyStatus(op, res)
	}
	if out == nil {
		_, err := io.Copy(io.Discard, res.Body)
		return err
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return serviceerr.Data(op, "malformed response body").WithCause(err)
	}
	return nil
}
