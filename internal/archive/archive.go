// Package archive writes terminal solver runs to a blob store as JSON
// documents keyed runs/<session>/<run_id>.json.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"bunkcore/internal/config"
	"bunkcore/internal/infra/blob"
	"bunkcore/internal/infra/blob/fs"
	"bunkcore/internal/infra/blob/memory"
	"bunkcore/internal/infra/blob/s3"
	"bunkcore/internal/logging"
	"bunkcore/pkg/domain"

	"go.uber.org/zap"
)

// Open selects the blob backend named by cfg.
func Open(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch blob.Driver(cfg.Driver) {
	case blob.DriverMemory, "":
		return memory.New(), nil
	case blob.DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case blob.DriverS3:
		return s3.New(ctx, s3.Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
			// MinIO-style endpoints need path-style addressing.
			PathStyle: cfg.S3Endpoint != "",
		})
	default:
		return nil, domain.ConfigError{Field: "blob.driver", Reason: fmt.Sprintf("unknown driver %q", cfg.Driver)}
	}
}

// Archive stores solver runs.
type Archive struct {
	store blob.Store
	log   *zap.Logger
}

// New returns an archive over store.
func New(store blob.Store, log *zap.Logger) *Archive {
	return &Archive{store: store, log: logging.OrNop(log)}
}

// Key returns the object key of a run.
func Key(session domain.SessionID, runID string) string {
	return path.Join("runs", fmt.Sprint(session), runID+".json")
}

// Archive writes a terminal run. Archiving the same run again is a no-op.
func (a *Archive) Archive(ctx context.Context, run domain.SolverRun) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s is %s, only terminal runs are archived", run.ID, run.Status)
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	key := Key(run.SessionID, run.ID)
	_, err = a.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"status": string(run.Status), "scenario": run.ScenarioID},
	})
	if errors.Is(err, blob.ErrExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive run %s: %w", run.ID, err)
	}
	a.log.Debug("solver run archived", zap.String("run_id", run.ID), zap.String("key", key), zap.String("driver", string(a.store.Driver())))
	return nil
}

// Load reads an archived run.
func (a *Archive) Load(ctx context.Context, session domain.SessionID, runID string) (domain.SolverRun, error) {
	_, rc, err := a.store.Get(ctx, Key(session, runID))
	if err != nil {
		return domain.SolverRun{}, err
	}
	defer func() { _ = rc.Close() }()
	var run domain.SolverRun
	if err := json.NewDecoder(rc).Decode(&run); err != nil {
		return domain.SolverRun{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return run, nil
}

// List returns the archived run ids of a session in key order.
func (a *Archive) List(ctx context.Context, session domain.SessionID) ([]string, error) {
	prefix := path.Join("runs", fmt.Sprint(session)) + "/"
	infos, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(info.Key, prefix), ".json"))
	}
	return ids, nil
}
