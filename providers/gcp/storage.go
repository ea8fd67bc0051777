package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/girder-io/girder/pkg/sdk"
)

type bucketConfig struct {
	Name          string            `json:"name"`
	Location      string            `json:"location"`
	StorageClass  string            `json:"storage_class"`
	Versioning    bool              `json:"versioning"`
	UniformAccess bool              `json:"uniform_access"`
	Labels        map[string]string `json:"labels"`
	ForceDestroy  bool              `json:"force_destroy"`
}

func (p *Provider) applyBucket(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired bucketConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}
	bucket := p.storageClient.Bucket(desired.Name)

	if req.Action == sdk.ActionUpdate {
		update := storage.BucketAttrsToUpdate{
			StorageClass:      desired.StorageClass,
			VersioningEnabled: desired.Versioning,
			UniformBucketLevelAccess: &storage.UniformBucketLevelAccess{
				Enabled: desired.UniformAccess,
			},
		}
		for k, v := range desired.Labels {
			update.SetLabel(k, v)
		}
		if _, err := bucket.Update(ctx, update); err != nil {
			return nil, fmt.Errorf("update bucket: %w", err)
		}
	} else {
		attrs := &storage.BucketAttrs{
			Location:          desired.Location,
			StorageClass:      desired.StorageClass,
			VersioningEnabled: desired.Versioning,
			UniformBucketLevelAccess: storage.UniformBucketLevelAccess{
				Enabled: desired.UniformAccess,
			},
			Labels: desired.Labels,
		}
		if err := bucket.Create(ctx, p.project, attrs); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return echoState(req.DesiredJSON, map[string]any{
		"id":  desired.Name,
		"url": "gs://" + desired.Name,
	})
}

func (p *Provider) readBucket(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var recorded bucketConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return nil, fmt.Errorf("unmarshal recorded state: %w", err)
	}
	attrs, err := p.storageClient.Bucket(recorded.Name).Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return refreshState(req.StateJSON, map[string]any{
		"storage_class":  attrs.StorageClass,
		"versioning":     attrs.VersioningEnabled,
		"uniform_access": attrs.UniformBucketLevelAccess.Enabled,
	})
}

func (p *Provider) destroyBucket(ctx context.Context, req *sdk.DestroyRequest) error {
	var recorded bucketConfig
	if err := json.Unmarshal(req.StateJSON, &recorded); err != nil {
		return fmt.Errorf("unmarshal recorded state: %w", err)
	}
	bucket := p.storageClient.Bucket(recorded.Name)

	if recorded.ForceDestroy {
		it := bucket.Objects(ctx, nil)
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return fmt.Errorf("list objects: %w", err)
			}
			if err := bucket.Object(attrs.Name).Delete(ctx); err != nil {
				return fmt.Errorf("delete object %s: %w", attrs.Name, err)
			}
		}
	}

	err := bucket.Delete(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return nil
	}
	return err
}
