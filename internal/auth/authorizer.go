package auth

import (
	"context"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
)

type caseAuthorizer struct {
	cases postgres.CaseRepository
}

// NewCaseAuthorizer returns an Authorizer backed by the case_access table.
func NewCaseAuthorizer(cases postgres.CaseRepository) Authorizer {
	return &caseAuthorizer{cases: cases}
}

func (a *caseAuthorizer) CanAccessCase(ctx context.Context, id Identity, caseID string) (bool, error) {
	if id.Role == RoleAdmin || id.Role == RoleSystem {
		return true, nil
	}
	return a.cases.HasAccess(ctx, id.UserID, caseID)
}
