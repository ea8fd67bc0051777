package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	iam "google.golang.org/api/iam/v1"

	"github.com/girder-io/girder/pkg/sdk"
)

type serviceAccountConfig struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Email       string `json:"email"`
}

func (p *Provider) serviceAccountName(email string) string {
	return fmt.Sprintf("projects/%s/serviceAccounts/%s", p.project, email)
}

func (p *Provider) applyServiceAccount(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired serviceAccountConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}

	if req.Action == sdk.ActionUpdate {
		var prior serviceAccountConfig
		if err := json.Unmarshal(req.PriorJSON, &prior); err != nil {
			return nil, fmt.Errorf("unmarshal prior state: %w", err)
		}
		account, err := p.iamSvc.Projects.ServiceAccounts.Patch(p.serviceAccountName(prior.Email),
			&iam.PatchServiceAccountRequest{
				ServiceAccount: &iam.ServiceAccount{
					DisplayName: desired.DisplayName,
					Description: desired.Description,
				},
				UpdateMask: "displayName,description",
			}).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("patch service account: %w", err)
		}
		return serviceAccountState(req.DesiredJSON, account)
	}

	account, err := p.iamSvc.Projects.ServiceAccounts.Create("projects/"+p.project,
		&iam.CreateServiceAccountRequest{
			AccountId: desired.AccountID,
			ServiceAccount: &iam.ServiceAccount{
				DisplayName: desired.DisplayName,
				Description: desired.Description,
			},
		}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("create service account: %w", err)
	}
	return serviceAccountState(req.DesiredJSON, account)
}

func serviceAccountState(desiredJSON []byte, account *iam.ServiceAccount) (*sdk.ApplyResponse, error) {
	return echoState(desiredJSON, map[string]any{
		"id":        account.Name,
		"email":     account.Email,
		"unique_id": account.UniqueId,
	})
}

func (p *Provider) readServiceAccount(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var recorded serviceAccountConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return nil, fmt.Errorf("unmarshal recorded state: %w", err)
	}
	account, err := p.iamSvc.Projects.ServiceAccounts.Get(p.serviceAccountName(recorded.Email)).Context(ctx).Do()
	if isNotFound(err) {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return refreshState(req.StateJSON, map[string]any{
		"display_name": account.DisplayName,
		"description":  account.Description,
	})
}

func (p *Provider) destroyServiceAccount(ctx context.Context, req *sdk.DestroyRequest) error {
	var recorded serviceAccountConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return fmt.Errorf("unmarshal recorded state: %w", err)
	}
	_, err := p.iamSvc.Projects.ServiceAccounts.Delete(p.serviceAccountName(recorded.Email)).Context(ctx).Do()
	return err
}
