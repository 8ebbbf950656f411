// Copyright 2025 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package authentication

import (
	"context"
	"strings"
)

type NoopVerifier struct{}

// NewNoopVerifier returns a no-op token verifier that allows all requests.
func NewNoopVerifier() *NoopVerifier {
	return &NoopVerifier{}
}

// VerifyToken treats the token as "<subject>[:<active tenant>]" for
// development purposes.
func (n *NoopVerifier) VerifyToken(ctx context.Context, rawIDToken string) (*Principal, error) {
	subject, tenant, _ := strings.Cut(rawIDToken, ":")
	return &Principal{
		Subject:        subject,
		ActiveTenantID: tenant,
	}, nil
}
