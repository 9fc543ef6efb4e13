package tenant

import (
	"context"
	"log/slog"
	"time"

	"github.com/waygate/waygate/storage"
)

// Scoped is satisfied by every storage entity that carries a TenantID, via
// the GetTenantID methods in storage/types.go.
type Scoped interface {
	GetTenantID() string
}

// auditIsolationViolation persists the security audit event spec.md §7
// requires on a cross-tenant read, in addition to the slog line. It must
// never prevent Guard from returning storage.ErrNotFound, so failures to
// write the audit row are only logged.
func auditIsolationViolation(ctx context.Context, store storage.Storage, log *slog.Logger, wantTenant, gotTenant string) {
	if log != nil {
		log.ErrorContext(ctx, "tenant isolation violation", "want_tenant", wantTenant, "got_tenant", gotTenant)
	}
	if store == nil {
		return
	}
	err := store.AppendAudit(ctx, storage.Audit{
		TenantID:  wantTenant,
		Action:    "tenant.isolation_violation",
		CreatedAt: time.Now(),
	})
	if err != nil && log != nil {
		log.ErrorContext(ctx, "failed to write tenant isolation violation audit", "err", err)
	}
}

// Guard validates that v, just read from storage for the given tenantID,
// actually belongs to that tenant. A mismatch can only happen from a caller
// bug (an id leaked across tenants) or a storage-layer defect; either way it
// must never be exposed as a successful read, so Guard records a
// "tenant.isolation_violation" audit event and maps it to storage.ErrNotFound
// — the same error a genuinely missing row produces, so tenant boundaries
// are never distinguishable from "not found" by a caller probing IDs.
func Guard[T Scoped](ctx context.Context, store storage.Storage, log *slog.Logger, tenantID string, v T, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if v.GetTenantID() != tenantID {
		auditIsolationViolation(ctx, store, log, tenantID, v.GetTenantID())
		return zero, storage.ErrNotFound
	}
	return v, nil
}

// GuardSlice filters a slice returned by a list call down to rows actually
// belonging to tenantID, recording one isolation-violation audit event per
// mismatch rather than failing the whole call.
func GuardSlice[T Scoped](ctx context.Context, store storage.Storage, log *slog.Logger, tenantID string, vs []T, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	out := vs[:0:0]
	for _, v := range vs {
		if v.GetTenantID() != tenantID {
			auditIsolationViolation(ctx, store, log, tenantID, v.GetTenantID())
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
