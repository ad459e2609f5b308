package distribute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/johndauphine/ebpa-setup/internal/config"
	"github.com/johndauphine/ebpa-setup/internal/geodb"
	"github.com/johndauphine/ebpa-setup/internal/logging"
)

func pointClass(name string) *geodb.FeatureClass {
	return &geodb.FeatureClass{
		Name: name, Kind: geodb.KindFeature, GeometryType: "esriGeometryPoint", WKID: 2264, OIDField: "OBJECTID",
		Fields: []geodb.Field{{Name: "GEOID", Type: "esriFieldTypeString"}, {Name: "POP", Type: "esriFieldTypeInteger"}},
	}
}

func fill(t *testing.T, s *geodb.Store, fc *geodb.FeatureClass, n int) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateFeatureClass(ctx, fc); err != nil {
		t.Fatal(err)
	}
	var rows []geodb.Row
	for i := 1; i <= n; i++ {
		rows = append(rows, geodb.Row{
			OID:        int64(i),
			Attributes: map[string]any{"GEOID": fmt.Sprintf("%s-%d", fc.Name, i), "POP": int64(i * 10)},
			Geometry:   json.RawMessage(fmt.Sprintf(`{"x":%d,"y":%d}`, i, i)),
		})
	}
	if err := s.InsertRows(ctx, fc.Name, rows); err != nil {
		t.Fatal(err)
	}
}

// stores builds a workspace with a census store and a setup store holding
// every derived class the default scenarios need.
func stores(t *testing.T) (*config.Config, *geodb.Store, *geodb.Store) {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Workspace = t.TempDir()

	census, err := geodb.Create(ctx, cfg.Workspace, cfg.CensusStore)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { census.Close() })
	for i, layer := range cfg.CensusLayers() {
		fill(t, census, pointClass(layer), i+2)
	}

	setup, err := geodb.Create(ctx, cfg.Workspace, cfg.SetupStore)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { setup.Close() })
	for _, s := range cfg.Scenarios {
		for _, name := range cfg.ScenarioFeatureClasses(s) {
			fill(t, setup, pointClass(name), 3)
		}
	}
	return cfg, setup, census
}

func TestRunBuildsScenarioStores(t *testing.T) {
	ctx := context.Background()
	cfg, setup, census := stores(t)

	paths, err := New(cfg, setup, census, "run-123").Run(ctx)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(paths) != len(cfg.Scenarios) {
		t.Fatalf("Run() returned %d stores, want %d", len(paths), len(cfg.Scenarios))
	}

	for _, s := range cfg.Scenarios {
		t.Run(s.Store, func(t *testing.T) {
			dst, err := geodb.Open(ctx, cfg.StorePath(s.Store))
			if err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			defer dst.Close()

			got, err := dst.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			want := append(append([]string{}, s.CensusLayers...), cfg.ScenarioFeatureClasses(s)...)
			if diff := cmp.Diff(sorted(want), got); diff != "" {
				t.Errorf("contents mismatch (-want +got):\n%s", diff)
			}

			for _, layer := range s.CensusLayers {
				assertSameContent(t, census, dst, layer)
			}
			for _, name := range cfg.ScenarioFeatureClasses(s) {
				assertSameContent(t, setup, dst, name)
			}

			if v, _ := dst.Meta(ctx, MetaRunID); v != "run-123" {
				t.Errorf("run_id = %q", v)
			}
			if v, _ := dst.Meta(ctx, MetaScenario); v != s.Category+"/"+s.Variant {
				t.Errorf("scenario = %q", v)
			}
			if v, _ := dst.Meta(ctx, MetaCreatedBy); !strings.HasPrefix(v, "ebpa-setup/") {
				t.Errorf("created_by = %q", v)
			}
		})
	}
}

func sorted(names []string) []string {
	out := append([]string{}, names...)
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func assertSameContent(t *testing.T, src, dst *geodb.Store, name string) {
	t.Helper()
	ctx := context.Background()
	want, err := src.Checksum(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	got, err := dst.Checksum(ctx, name)
	if err != nil {
		t.Fatalf("%s missing from %s: %v", name, dst.Name(), err)
	}
	if got != want {
		t.Errorf("%s in %s differs from its source", name, dst.Name())
	}
}

func TestRunReplacesExistingStore(t *testing.T) {
	ctx := context.Background()
	cfg, setup, census := stores(t)

	stale, err := geodb.Create(ctx, cfg.Workspace, "LOS_BASELINE")
	if err != nil {
		t.Fatal(err)
	}
	fill(t, stale, pointClass("OLD_LAYER"), 1)
	stale.Close()

	if _, err := New(cfg, setup, census, "r").Scenario(ctx, cfg.Scenarios[0]); err != nil {
		t.Fatalf("Scenario() error: %v", err)
	}
	dst, err := geodb.Open(ctx, cfg.StorePath("LOS_BASELINE"))
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	if ok, _ := dst.Exists(ctx, "OLD_LAYER"); ok {
		t.Error("stale feature class survived the overwrite")
	}
}

func TestRunMissingCensusLayer(t *testing.T) {
	ctx := context.Background()
	cfg, setup, census := stores(t)
	if err := census.Drop(ctx, "BLOCKS_2017"); err != nil {
		t.Fatal(err)
	}

	_, err := New(cfg, setup, census, "r").Run(ctx)
	if !errors.Is(err, geodb.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "BLOCKS_2017") {
		t.Errorf("error does not name the layer: %v", err)
	}
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logging.SetOutput(&buf)
	t.Cleanup(func() { logging.SetOutput(nil) })
	return &buf
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "SETUP.gdb")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}

	buf := captureLog(t)
	if !Cleanup(path, geodb.Delete) {
		t.Fatalf("Cleanup() failed: %s", buf)
	}
	if geodb.Exists(path) {
		t.Error("store still exists after cleanup")
	}
}

func TestCleanupFailureIsLogged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SETUP.gdb")
	buf := captureLog(t)

	locked := func(p string) error {
		return &fs.PathError{Op: "unlinkat", Path: p + "/gdb.sqlite", Err: fs.ErrPermission}
	}
	if Cleanup(path, locked) {
		t.Fatal("Cleanup() reported success")
	}

	want := fmt.Sprintf("Error %s/gdb.sqlite - permission denied. Delete SETUP.gdb manually.", path)
	if !strings.Contains(buf.String(), want) {
		t.Errorf("log = %q, want it to contain %q", buf.String(), want)
	}
}

func TestCleanupMissingStore(t *testing.T) {
	buf := captureLog(t)
	path := filepath.Join(t.TempDir(), "SETUP.gdb")
	if Cleanup(path, geodb.Delete) {
		t.Error("Cleanup() of a missing store reported success")
	}
	if !strings.Contains(buf.String(), "Delete SETUP.gdb manually.") {
		t.Errorf("unexpected log %q", buf.String())
	}
}
