package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/girder-io/girder/internal/ir"
)

// gcsBackend stores the snapshot in a GCS object. Writes carry a
// generation-match precondition, so a snapshot that moved underneath us
// is rejected by the bucket itself. The lock is a second object created
// with an if-not-exists precondition.
type gcsBackend struct {
	bucket string
	object string

	client *storage.Client
	// generation observed at the last read; 0 means the object did not
	// exist yet.
	generation int64
}

func newGCSBackend(config map[string]string) (Backend, error) {
	bucket := config["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("gcs backend requires 'bucket'")
	}
	prefix := config["prefix"]
	if prefix == "" {
		prefix = "girder"
	}

	var opts []option.ClientOption
	if creds := config["credentials_file"]; creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize gcs backend: %w", err)
	}

	return &gcsBackend{
		bucket: bucket,
		object: path.Join(prefix, "state.json"),
		client: client,
	}, nil
}

func (b *gcsBackend) Read(ctx context.Context) (*ir.State, error) {
	reader, err := b.client.Bucket(b.bucket).Object(b.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		b.generation = 0
		return &ir.State{Version: ir.StateVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state from gs://%s/%s: %w", b.bucket, b.object, err)
	}
	defer reader.Close()
	b.generation = reader.Attrs.Generation

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read state object body: %w", err)
	}
	state, err := UnmarshalState(raw)
	if err != nil {
		return nil, fmt.Errorf("parse state from gs://%s/%s: %w", b.bucket, b.object, err)
	}
	return state, nil
}

func (b *gcsBackend) Write(ctx context.Context, state *ir.State) error {
	advance(state)

	data, err := MarshalState(state)
	if err != nil {
		return err
	}
	encrypted, err := EncryptState(data)
	if err != nil {
		return fmt.Errorf("encrypt state: %w", err)
	}

	obj := b.client.Bucket(b.bucket).Object(b.object)
	conds := storage.Conditions{GenerationMatch: b.generation}
	if b.generation == 0 {
		conds = storage.Conditions{DoesNotExist: true}
	}

	w := obj.If(conds).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(encrypted); err != nil {
		w.Close()
		return fmt.Errorf("write state to gs://%s/%s: %w", b.bucket, b.object, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("state object gs://%s/%s changed since it was read; "+
				"rerun to pick up the new snapshot", b.bucket, b.object)
		}
		return fmt.Errorf("write state to gs://%s/%s: %w", b.bucket, b.object, err)
	}
	b.generation = w.Attrs().Generation
	return nil
}

func (b *gcsBackend) Lock() error {
	ctx := context.Background()
	obj := b.client.Bucket(b.bucket).Object(b.object + ".lock")

	content, err := json.Marshal(lockInfo{PID: os.Getpid(), Created: time.Now().UTC()})
	if err != nil {
		return err
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(content); err != nil {
		w.Close()
		return fmt.Errorf("write lock object: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("state is locked by another process (gs://%s/%s.lock); "+
				"delete the object if the holder is gone", b.bucket, b.object)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	return nil
}

func (b *gcsBackend) Unlock() error {
	err := b.client.Bucket(b.bucket).Object(b.object + ".lock").Delete(context.Background())
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
