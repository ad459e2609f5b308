// Package distribute builds one geodatabase per scenario from the census
// store and the derived feature classes, then removes the setup store.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/johndauphine/ebpa-setup/internal/config"
	"github.com/johndauphine/ebpa-setup/internal/geodb"
	"github.com/johndauphine/ebpa-setup/internal/logging"
	"github.com/johndauphine/ebpa-setup/internal/version"
)

// Metadata keys written to every scenario store.
const (
	MetaRunID     = "run_id"
	MetaScenario  = "scenario"
	MetaCreatedBy = "created_by"
	MetaCreatedAt = "created_at"
)

// Distributor copies census layers and scenario feature classes into the
// scenario stores.
type Distributor struct {
	cfg    *config.Config
	setup  *geodb.Store
	census *geodb.Store
	runID  string
}

// New creates a distributor reading from the setup and census stores.
func New(cfg *config.Config, setup, census *geodb.Store, runID string) *Distributor {
	return &Distributor{cfg: cfg, setup: setup, census: census, runID: runID}
}

// Run creates every scenario store and returns their paths.
func (d *Distributor) Run(ctx context.Context) ([]string, error) {
	var paths []string
	for _, s := range d.cfg.Scenarios {
		path, err := d.Scenario(ctx, s)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Scenario creates one scenario store, replacing any existing one.
func (d *Distributor) Scenario(ctx context.Context, s config.Scenario) (string, error) {
	dst, err := geodb.Create(ctx, d.cfg.Workspace, s.Store)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", s.Store, err)
	}
	defer dst.Close()

	for _, layer := range s.CensusLayers {
		if err := d.add(ctx, d.census, layer, dst); err != nil {
			return "", err
		}
	}
	for _, name := range d.cfg.ScenarioFeatureClasses(s) {
		if err := d.add(ctx, d.setup, name, dst); err != nil {
			return "", err
		}
	}

	meta := [][2]string{
		{MetaRunID, d.runID},
		{MetaScenario, s.Category + "/" + s.Variant},
		{MetaCreatedBy, version.UserAgent()},
		{MetaCreatedAt, time.Now().UTC().Format(time.RFC3339)},
	}
	for _, kv := range meta {
		if err := dst.SetMeta(ctx, kv[0], kv[1]); err != nil {
			return "", err
		}
	}
	return dst.Path(), nil
}

func (d *Distributor) add(ctx context.Context, src *geodb.Store, name string, dst *geodb.Store) error {
	logging.Info("Adding %s to %s...", name, dst.Name())
	if err := geodb.Copy(ctx, src, name, dst); err != nil {
		return fmt.Errorf("adding %s to %s: %w", name, dst.Name(), err)
	}
	logging.Info("Success!")
	return nil
}

// Cleanup deletes the store at path with remove. A failure is logged with a
// request to delete the store by hand and reported as false; it never stops
// the run.
func Cleanup(path string, remove func(string) error) bool {
	err := remove(path)
	if err == nil {
		logging.Debug("Deleted %s", path)
		return true
	}

	failed, cause := path, err
	var pe *fs.PathError
	if errors.As(err, &pe) {
		failed, cause = pe.Path, pe.Err
	}
	logging.Error("Error %s - %v. Delete %s manually.", failed, cause, filepath.Base(path))
	return false
}
