package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/tandem/internal/domain"
)

type AuditLogOutput struct {
	Body []domain.AuditEntry
}

func RegisterAuditRoutes(api huma.API, arb EditArbiter) {
	huma.Register(api, huma.Operation{
		OperationID: "get-audit-log",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List edit resolutions, oldest first",
		Tags:        []string{"Audit"},
	}, func(_ context.Context, _ *struct{}) (*AuditLogOutput, error) {
		entries := arb.GetAuditLog()
		if entries == nil {
			entries = []domain.AuditEntry{}
		}
		return &AuditLogOutput{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-audit-log",
		Method:      http.MethodDelete,
		Path:        "/audit",
		Summary:     "Clear the audit log",
		Tags:        []string{"Audit"},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if err := arb.ClearAuditLog(ctx); err != nil {
			return nil, problem(err, "audit log", "clear audit log")
		}
		return nil, nil
	})
}
