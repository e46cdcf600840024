package search

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerfeed/serviceclients/pkg/config"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	assert.True(t, serviceerr.Is(err, serviceerr.ClassFatal))

	_, err = New(&config.SearchConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address")
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(&config.SearchConfig{
		Addresses:     []string{"http://localhost:9200"},
		RetryAttempts: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, 60, c.policy.MaxAttempts)
}

// testCluster fakes just enough of the search API for the client: the
// product header check, ping, search and msearch.
func testCluster(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		if r.Method == http.MethodHead || r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(&config.SearchConfig{
		Addresses:      []string{srv.URL},
		RetryAttempts:  1,
		ReconnectSleep: time.Millisecond,
		ChunkSize:      2,
	})
	require.NoError(t, err)
	return c
}

func hitsBody(ids ...string) string {
	hits := make([]string, len(ids))
	for i, id := range ids {
		hits[i] = fmt.Sprintf(`{"_id":%q,"_index":"events","_score":1.0,"_source":{}}`, id)
	}
	return fmt.Sprintf(`{"hits":{"hits":[%s]}}`, strings.Join(hits, ","))
}

func TestSearch_ReturnsHitsInOrder(t *testing.T) {
	c := testCluster(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/_search", r.URL.Path)
		fmt.Fprint(w, hitsBody("a", "b", "c"))
	})

	hits, err := c.Search(context.Background(), "events", json.RawMessage(`{"query":{"match_all":{}}}`))
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "c", hits[2].ID)
}

func TestSearch_MissingIndexIsEmpty(t *testing.T) {
	c := testCluster(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"index_not_found_exception"}}`)
	})

	hits, err := c.Search(context.Background(), "missing", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMSearch_ChunksAndPreservesOrder(t *testing.T) {
	var requests int
	var queriesSeen []string

	c := testCluster(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_msearch", r.URL.Path)
		requests++

		var responses []string
		scanner := bufio.NewScanner(r.Body)
		for line := 0; scanner.Scan(); line++ {
			if line%2 == 1 { // odd lines are query bodies
				queriesSeen = append(queriesSeen, scanner.Text())
				responses = append(responses, hitsBody(fmt.Sprintf("q%d", len(queriesSeen))))
			}
		}
		fmt.Fprintf(w, `{"responses":[%s]}`, strings.Join(responses, ","))
	})

	queries := make([]json.RawMessage, 5)
	for i := range queries {
		queries[i] = json.RawMessage(fmt.Sprintf(`{"query":{"term":{"event_id":%d}}}`, i))
	}

	found, err := c.MSearch(context.Background(), "events", queries)
	require.NoError(t, err)

	assert.Equal(t, 3, requests, "5 queries at chunk size 2 take 3 requests")
	require.Len(t, found, 5)
	for i, hits := range found {
		require.Len(t, hits, 1)
		assert.Equal(t, fmt.Sprintf("q%d", i+1), hits[0].ID)
	}
	require.Len(t, queriesSeen, 5)
	assert.JSONEq(t, string(queries[4]), queriesSeen[4])
}

type fakeTransport struct {
	idleClosed int
}

func (f *fakeTransport) CloseIdleConnections() {
	f.idleClosed++
}

func TestHandleClose_ReleasesPooledConnections(t *testing.T) {
	tr := &fakeTransport{}
	h := &handle{transport: tr}

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 2, tr.idleClosed)
}

func TestConnect_HandleCarriesTransport(t *testing.T) {
	c := testCluster(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h, err := c.lane.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h.(*handle).transport, "invalidation must be able to drop idle sockets")
}

func TestMSearch_ResponseCountMismatchIsDataError(t *testing.T) {
	c := testCluster(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"responses":[]}`)
	})

	_, err := c.MSearch(context.Background(), "events", []json.RawMessage{json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, serviceerr.Is(err, serviceerr.ClassDataError))
}
