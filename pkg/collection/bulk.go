// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package collection

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/canonical/doc-gateway/internal/keys"
)

// BulkResult is the per-item outcome of a batch, in input order. Either OK
// with the new revision, or an error code with its reason.
type BulkResult struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok,omitempty"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// bulkItem is the probed shape of one batch entry, enough to route it to a
// sub-operation. The full body is re-used verbatim for updates.
type bulkItem struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev"`
	Deleted bool   `json:"_deleted"`
}

// ApplyBulk applies a batch of document writes with per-item isolation:
// every item gets its own access evaluation and its own revision-checked
// write, and no item's failure affects any other. The sub-operation is
// inferred from the item's shape: _deleted marks a delete, a missing _rev
// marks a create, anything else is an update. The returned flag is true
// when any item moved the caller's active tenant, so the caller must
// refresh its credential before the switch takes effect.
func (s *Service) ApplyBulk(ctx context.Context, callerID, collection string, items []json.RawMessage) ([]BulkResult, bool) {
	ctx, span := s.tracer.Start(ctx, "collection.Service.ApplyBulk")
	defer span.End()

	refresh := false
	results := make([]BulkResult, 0, len(items))
	for _, raw := range items {
		result, switched := s.applyBulkItem(ctx, callerID, collection, raw)
		results = append(results, result)
		refresh = refresh || switched
	}
	return results, refresh
}

func (s *Service) applyBulkItem(ctx context.Context, callerID, collection string, raw json.RawMessage) (BulkResult, bool) {
	item := bulkItem{}
	if err := json.Unmarshal(raw, &item); err != nil {
		return BulkResult{Error: codeValidation, Reason: "malformed document body"}, false
	}
	if item.ID == "" {
		return BulkResult{Error: codeValidation, Reason: "missing _id"}, false
	}

	publicID, err := publicIDForCollection(collection, item.ID)
	if err != nil {
		return BulkResult{ID: item.ID, Error: codeValidation, Reason: err.Error()}, false
	}

	switch {
	case item.Deleted:
		key, rev, err := s.DeleteDocument(ctx, callerID, collection, publicID, item.Rev)
		if err != nil {
			return bulkFailure(item.ID, err), false
		}
		return BulkResult{ID: key, OK: true, Rev: rev}, false
	case item.Rev == "":
		return s.bulkCreate(ctx, callerID, collection, item.ID, raw), false
	default:
		doc, switched, err := s.UpdateDocument(ctx, callerID, collection, publicID, raw)
		if err != nil {
			return bulkFailure(item.ID, err), false
		}
		rev := struct {
			Rev string `json:"_rev"`
		}{}
		if err := json.Unmarshal(doc, &rev); err != nil {
			return bulkFailure(item.ID, err), false
		}
		return BulkResult{ID: item.ID, OK: true, Rev: rev.Rev}, switched
	}
}

// bulkCreate handles batch items without a revision. User records are only
// ever created by bootstrap, so a user create through the batch surface is
// denied outright.
func (s *Service) bulkCreate(ctx context.Context, callerID, collection, id string, raw json.RawMessage) BulkResult {
	if collection == keys.CollectionUsers {
		return BulkResult{ID: id, Error: codeForbidden, Reason: "user records are provisioned by bootstrap only"}
	}

	req := &CreateTenantRequest{}
	if err := json.Unmarshal(raw, req); err != nil || req.Name == "" {
		return BulkResult{ID: id, Error: codeValidation, Reason: "tenant create requires a name"}
	}

	tenant, err := s.CreateTenant(ctx, callerID, req)
	if err != nil {
		return bulkFailure(id, err)
	}
	return BulkResult{ID: tenant.ID, OK: true, Rev: tenant.Rev}
}

// publicIDForCollection accepts either the storage key or the bare public
// ID in a batch item's _id, since replicators echo back the storage key
// they were served.
func publicIDForCollection(collection, id string) (string, error) {
	if c, publicID, err := keys.FromStorageKey(id); err == nil {
		if c != collection {
			return "", errValidation("document key does not belong to collection")
		}
		return publicID, nil
	}
	if strings.HasPrefix(id, "_") {
		return "", errValidation("invalid document ID")
	}
	return id, nil
}

func bulkFailure(id string, err error) BulkResult {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return BulkResult{ID: id, Error: codeInternal, Reason: "internal error"}
	}
	reason := gwErr.Message
	if gwErr.Field != "" {
		reason = reason + ": " + gwErr.Field
	}
	return BulkResult{ID: id, Error: gwErr.Code, Reason: reason}
}
