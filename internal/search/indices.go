package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/brokerfeed/serviceclients/pkg/resilience"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// Index administration. These are one-shot control operations but they
// run through the same retry shell as queries: a cluster hiccup during
// a nightly reindex should heal the same way.

// CreateIndex creates an index, optionally from a settings body. An
// index that already exists is success with created=false, unless
// replace is set, in which case the old index is deleted and an empty
// new one created. The index is refreshed after creation so it is
// immediately searchable.
func (c *Client) CreateIndex(ctx context.Context, name string, body json.RawMessage, replace bool) (bool, error) {
	created, err := c.createIndex(ctx, name, body)
	if err != nil {
		return false, err
	}

	if replace && !created {
		c.logger.Warn("replacing existing index", "index", name)
		if _, err := c.DeleteIndex(ctx, name); err != nil {
			return false, err
		}
		created, err = c.createIndex(ctx, name, body)
		if err != nil {
			return false, err
		}
	}

	if created {
		if err := c.Refresh(ctx, name); err != nil {
			return false, err
		}
	}
	return created, nil
}

func (c *Client) createIndex(ctx context.Context, name string, body json.RawMessage) (bool, error) {
	op := "search.create_index"

	var created bool
	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		es := h.(*handle).es

		var reqBody io.Reader
		if len(body) > 0 {
			reqBody = bytes.NewReader(body)
		}

		res, err := es.Indices.Create(
			name,
			es.Indices.Create.WithContext(ctx),
			es.Indices.Create.WithBody(reqBody),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		defer res.Body.Close()

		if res.IsError() {
			if res.StatusCode == http.StatusBadRequest {
				raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
				if strings.Contains(string(raw), "resource_already_exists_exception") {
					created = false
					return nil
				}
				return serviceerr.Data(op, "bad index settings")
			}
			return classifyStatus(op, res)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// DeleteIndex removes an index. A missing index is (false, nil), so a
// second delete of the same name never raises.
func (c *Client) DeleteIndex(ctx context.Context, name string) (bool, error) {
	op := "search.delete_index"

	var removed bool
	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		es := h.(*handle).es

		res, err := es.Indices.Delete(
			[]string{name},
			es.Indices.Delete.WithContext(ctx),
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
			c.logger.Warn("delete of missing index", "index", name)
			return false, nil
		}
		return false, err
	}
	return removed, nil
}

// Refresh makes recent writes to an index visible to search.
func (c *Client) Refresh(ctx context.Context, name string) error {
	op := "search.refresh"

	return c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		es := h.(*handle).es

		res, err := es.Indices.Refresh(
			es.Indices.Refresh.WithContext(ctx),
			es.Indices.Refresh.WithIndex(name),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		defer res.Body.Close()
		return decodeResponse(op, res, nil)
	})
}

// AddAlias points an alias at one or more indexes. Bulk populate only
// works against a single-index alias.
func (c *Client) AddAlias(ctx context.Context, indexes []string, alias string) error {
	op := "search.add_alias"

	return c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		es := h.(*handle).es

		res, err := es.Indices.PutAlias(
			indexes,
			alias,
			es.Indices.PutAlias.WithContext(ctx),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		defer res.Body.Close()
		return decodeResponse(op, res, nil)
	})
}

// GetAlias returns alias information by alias name, index name or
// both. A missing alias is (nil, nil).
func (c *Client) GetAlias(ctx context.Context, alias, index string) (map[string]json.RawMessage, error) {
	op := "search.get_alias"

	var info map[string]json.RawMessage
	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		es := h.(*handle).es

		res, err := es.Indices.GetAlias(
			es.Indices.GetAlias.WithContext(ctx),
			es.Indices.GetAlias.WithName(alias),
			es.Indices.GetAlias.WithIndex(index),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		defer res.Body.Close()
		return decodeResponse(op, res, &info)
	})
	if err != nil {
		if serviceerr.Is(err, serviceerr.ClassNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return info, nil
}

// DeleteAlias removes an alias from an index. A missing alias is
// (false, nil).
func (c *Client) DeleteAlias(ctx context.Context, index, alias string) (bool, error) {
	op := "search.delete_alias"

	var removed bool
	err := c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		es := h.(*handle).es

		res, err := es.Indices.DeleteAlias(
			[]string{index},
			[]string{alias},
			es.Indices.DeleteAlias.WithContext(ctx),
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

// SetupIndex applies analyzer settings and the document mapping to an
// existing index. The index is closed while settings change and
// reopened before the mapping goes on.
func (c *Client) SetupIndex(ctx context.Context, name string, settings, mapping json.RawMessage) error {
	op := "search.setup_index"

	return c.exec.Execute(ctx, op, c.lane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		es := h.(*handle).es

		res, err := es.Indices.Close(
			[]string{name},
			es.Indices.Close.WithContext(ctx),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		res.Body.Close()
		if res.IsError() {
			return classifyStatus(op, res)
		}

		res, err = es.Indices.PutSettings(
			bytes.NewReader(settings),
			es.Indices.PutSettings.WithContext(ctx),
			es.Indices.PutSettings.WithIndex(name),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		res.Body.Close()
		if res.IsError() {
			return classifyStatus(op, res)
		}

		res, err = es.Indices.Open(
			[]string{name},
			es.Indices.Open.WithContext(ctx),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		res.Body.Close()
		if res.IsError() {
			return classifyStatus(op, res)
		}

		res, err = es.Indices.PutMapping(
			[]string{name},
			bytes.NewReader(mapping),
			es.Indices.PutMapping.WithContext(ctx),
		)
		if err != nil {
			return classifyTransport(op, err)
		}
		defer res.Body.Close()
		return decodeResponse(op, res, nil)
	})
}
