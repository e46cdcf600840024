package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/brokerfeed/serviceclients/pkg/resilience"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// Event is one event row bound for the index. Alt-name and performer
// fields are comma-separated, matching the upstream feed.
type Event struct {
	ID            int64
	Name          string
	AltNames      string
	VenueID       int64
	VenueName     string
	VenueAltNames string
	Performers    string
	Taxonomy      string
	LocalDate     string
	ISODate       string
	LocalTime     string
	Status        string
}

// eventDoc is the indexed shape of an Event.
type eventDoc struct {
	EventID    int64    `json:"event_id"`
	Name       []string `json:"name"`
	VenueID    int64    `json:"venue_id"`
	VenueName  []string `json:"venue_name"`
	LayoutID   int64    `json:"layout_id,omitempty"`
	Performers string   `json:"performers"`
	Taxonomy   string   `json:"taxonomy"`
	LocalDate  string   `json:"local_date"`
	ISODate    string   `json:"iso_event_date"`
	LocalTime  string   `json:"local_time"`
	Status     string   `json:"event_status"`
}

// document flattens an event for indexing. Events with no performers
// index their own name as the performer so performer queries still
// match them.
func (e Event) document(layouts map[int64]int64) eventDoc {
	performers := e.Performers
	if performers == "" {
		performers = e.Name
	}
	parts := strings.Split(performers, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}

	return eventDoc{
		EventID:    e.ID,
		Name:       combineNames(e.Name, e.AltNames),
		VenueID:    e.VenueID,
		VenueName:  combineNames(e.VenueName, e.VenueAltNames),
		LayoutID:   layouts[e.ID],
		Performers: strings.Join(parts, ","),
		Taxonomy:   e.Taxonomy,
		LocalDate:  e.LocalDate,
		ISODate:    e.ISODate,
		LocalTime:  e.LocalTime,
		Status:     e.Status,
	}
}

// combineNames merges a primary name with a comma-separated alt-name
// list, dropping empties.
func combineNames(name, altNames string) []string {
	all := []string{name}
	if altNames != "" {
		all = append(all, strings.Split(altNames, ",")...)
	}
	names := all[:0]
	for _, n := range all {
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

// BulkIndexEvents writes events into an index in one bulk request and
// refreshes the index so the documents are immediately searchable.
// layouts maps event id to layout id and may be nil. Also serves to
// add a single document.
func (c *Client) BulkIndexEvents(ctx context.Context, index string, events []Event, layouts map[int64]int64) error {
	op := "search.bulk_index"

	if len(events) == 0 {
		return nil
	}

	var body bytes.Buffer
	for _, e := range events {
		action, err := json.Marshal(map[string]map[string]interface{}{
			"index": {"_index": index, "_id": e.ID},
		})
		if err != nil {
			return serviceerr.Data(op, "cannot encode bulk action").WithCause(err)
		}
		doc, err := json.Marshal(e.document(layouts))
		if err != nil {
			return serviceerr.Data(op, "cannot encode event document").WithCause(err)
		}
		body.Write(action)
		body.WriteByte('\n')
		body.Write(doc)
		body.WriteByte('\n')
	}

	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		es := h.(*handle).es

		res, err := es.Bulk(
			bytes.NewReader(body.Bytes()),
			es.Bulk.WithContext(ctx),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		defer res.Body.Close()

		var report struct {
			Errors bool `json:"errors"`
			Items  []map[string]struct {
				Status int             `json:"status"`
				Error  json.RawMessage `json:"error"`
			} `json:"items"`
		}
		if err := decodeResponse(op, res, &report); err != nil {
			return err
		}
		if report.Errors {
			// A failed item classifies by its own status, so a 429 or
			// 503 item retries the whole batch (index actions carry
			// ids, re-running them is idempotent) while a mapping
			// rejection surfaces immediately.
			for _, item := range report.Items {
				for _, r := range item {
					if len(r.Error) > 0 {
						return statusError(op, r.Status, fmt.Errorf("bulk item failed with status %d: %s", r.Status, r.Error))
					}
				}
			}
			return serviceerr.Data(op, "bulk request reported item failures")
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.Refresh(ctx, index)
}

// UpsertDoc updates a document in place, creating it if absent.
func (c *Client) UpsertDoc(ctx context.Context, index string, id int64, doc interface{}) error {
	op := "search.upsert_doc"

	body, err := json.Marshal(map[string]interface{}{
		"doc":           doc,
		"doc_as_upsert": true,
	})
	if err != nil {
		return serviceerr.Data(op, "cannot encode document").WithCause(err)
	}

	return c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		es := h.(*handle).es

		res, err := es.Update(
			index,
			strconv.FormatInt(id, 10),
			bytes.NewReader(body),
			es.Update.WithContext(ctx),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		defer res.Body.Close()
		return decodeResponse(op, res, nil)
	})
}

// RemoveDoc deletes a document by id. A missing document is
// (false, nil).
func (c *Client) RemoveDoc(ctx context.Context, index string, id int64) (bool, error) {
	op := "search.remove_doc"

	var removed bool
	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		es := h.(*handle).es

		res, err := es.Delete(
			index,
			strconv.FormatInt(id, 10),
			es.Delete.WithContext(ctx),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		defer res.Body.Close()

		if res.IsError() {
			return classifyStatus(op, res)
		}
		removed = true
		return nil
	})
	if err != nil {
		if serviceerr.Is(err, serviceerr.ClassNotFound) {
			return false, nil
		}
		return false, err
	}
	return removed, nil
}
