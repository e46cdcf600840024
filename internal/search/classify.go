package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// classifyStatus maps an error response onto the closed failure
// classification by HTTP status.
func classifyStatus(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	return statusError(op, res.StatusCode, fmt.Errorf("%s: %s", res.Status(), body))
}

// statusError is the single status-to-class mapping, shared by whole
// responses and per-item bulk statuses. 429 is the search queue
// rejecting work under load, which is contention, not an outage.
func statusError(op string, status int, cause error) error {
	switch status {
	case http.StatusNotFound:
		return serviceerr.NotFound(op, "index or document").WithCause(cause)
	case http.StatusBadRequest:
		return serviceerr.Data(op, "bad query").WithCause(cause)
	case http.StatusUnauthorized, http.StatusForbidden:
		return serviceerr.Fatal(op, "authentication failed").WithCause(cause)
	case http.StatusTooManyRequests:
		return serviceerr.Locked(op, "search queue full").WithCause(cause)
	case http.StatusRequestTimeout, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return serviceerr.Stale(op, "server error").WithCause(cause)
	}
	return serviceerr.Fatal(op, "unhandled search error").WithCause(cause)
}

// classifyTransport maps a client-side transport failure. Anything the
// transport could not deliver is worth a reconnect and retry.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return serviceerr.Stale(op, "transport error").WithCause(err)
}
