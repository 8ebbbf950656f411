// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package collection

import (
	"context"
	"encoding/json"

	"github.com/canonical/doc-gateway/internal/keys"
	"github.com/canonical/doc-gateway/internal/types"
)

// changesPageSize is how many raw store changes are scanned per fetch while
// filling a filtered page.
const changesPageSize = 256

type ChangesOptions struct {
	Since       uint64
	Limit       int
	IncludeDocs bool
}

type ChangeRow struct {
	Seq uint64          `json:"seq"`
	ID  string          `json:"id"`
	Rev string          `json:"rev"`
	Doc json.RawMessage `json:"doc,omitempty"`
}

type ChangesResult struct {
	Results []ChangeRow `json:"results"`
	LastSeq uint64      `json:"last_seq"`
	Pending uint64      `json:"pending"`
}

// Changes returns the membership-filtered change feed for one collection.
// Visibility is recomputed per row from the change's current document
// state, so a membership revoked after sequence N stops the tenant from
// appearing in any page fetched after the revocation, while pages already
// delivered stand. Soft-deleted documents are excluded outright. LastSeq
// advances over filtered-out rows so a caller resuming from it never
// rescans them.
func (s *Service) Changes(ctx context.Context, callerID, collection string, opts ChangesOptions) (*ChangesResult, error) {
	ctx, span := s.tracer.Start(ctx, "collection.Service.Changes")
	defer span.End()

	if collection != keys.CollectionUsers && collection != keys.CollectionTenants {
		return nil, errNotFound("unknown collection")
	}

	userKey, err := keys.UserKey(callerID)
	if err != nil {
		return nil, errValidation(err.Error())
	}

	result := &ChangesResult{
		Results: []ChangeRow{},
		LastSeq: opts.Since,
	}

	since := opts.Since
	for {
		changes, pending, err := s.store.ChangesSince(ctx, since, changesPageSize)
		if err != nil {
			return nil, err
		}
		result.Pending = pending

		for i, change := range changes {
			since = change.Seq
			result.LastSeq = change.Seq

			visible, err := s.changeVisible(callerID, userKey, collection, change.Key, change.Deleted, change.Body)
			if err != nil {
				return nil, err
			}
			if !visible {
				continue
			}

			row := ChangeRow{Seq: change.Seq, ID: change.Key, Rev: change.Rev}
			if opts.IncludeDocs {
				row.Doc = change.Body
			}
			result.Results = append(result.Results, row)

			if opts.Limit > 0 && len(result.Results) >= opts.Limit {
				// The unscanned rest of this page is still undelivered.
				result.Pending = pending + uint64(len(changes)-i-1)
				return result, nil
			}
		}

		if len(changes) < changesPageSize || pending == 0 {
			return result, nil
		}
	}
}

func (s *Service) changeVisible(callerID, callerKey, collection, key string, deleted bool, body json.RawMessage) (bool, error) {
	switch collection {
	case keys.CollectionUsers:
		if !keys.IsUserKey(key) {
			return false, nil
		}
		// Only the caller's own record ever appears in the user feed.
		return key == callerKey && !deleted, nil
	case keys.CollectionTenants:
		if !keys.IsTenantKey(key) || deleted {
			return false, nil
		}
		tenant := &types.Tenant{}
		if err := json.Unmarshal(body, tenant); err != nil {
			s.logger.Errorf("corrupt tenant document %s in change feed: %v", key, err)
			return false, nil
		}
		return tenant.HasMember(callerID) && !tenant.Deleted, nil
	default:
		return false, nil
	}
}
