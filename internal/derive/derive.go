// Package derive builds the scenario feature classes: every layer is joined
// to the analysis tiers table and extracted once per query variant, keeping
// only the layer's allowlisted fields.
package derive

import (
	"context"
	"fmt"
	"strings"

	"github.com/johndauphine/ebpa-setup/internal/config"
	"github.com/johndauphine/ebpa-setup/internal/geodb"
	"github.com/johndauphine/ebpa-setup/internal/logging"
	"github.com/johndauphine/ebpa-setup/internal/util"
)

// duplicateSuffix marks the second copy of a joined field name.
const duplicateSuffix = "_1"

// Deriver writes scenario feature classes into the setup store.
type Deriver struct {
	cfg   *config.Config
	store *geodb.Store
}

// New creates a deriver over the merged feature classes in store.
func New(cfg *config.Config, store *geodb.Store) *Deriver {
	return &Deriver{cfg: cfg, store: store}
}

// Run derives every category, layer and variant and returns the feature
// class names written, in creation order.
func (d *Deriver) Run(ctx context.Context) ([]string, error) {
	var names []string
	for _, q := range d.cfg.Queries {
		for _, layer := range d.cfg.Layers {
			out, err := d.Layer(ctx, layer, q)
			if err != nil {
				return names, err
			}
			names = append(names, out...)
		}
	}
	return names, nil
}

// Layer joins one layer to the lookup table and extracts each variant of q.
// The join is removed before returning, also on error.
func (d *Deriver) Layer(ctx context.Context, layer config.Layer, q config.Query) (names []string, err error) {
	logging.Info("Working on %s...", label(layer))

	j, err := d.store.AddJoin(ctx, layer.Code, d.cfg.Join.Key, d.cfg.Join.Table, d.cfg.Join.JoinKey)
	if err != nil {
		return nil, fmt.Errorf("joining %s to %s: %w", layer.Code, d.cfg.Join.Table, err)
	}
	defer func() {
		if rerr := j.Remove(ctx); rerr != nil && err == nil {
			err = fmt.Errorf("removing join %s: %w", j.Name(), rerr)
		}
	}()

	m := Mappings(j, layer.KeepFields)

	for _, v := range q.Variants {
		name := config.FeatureClassName(layer.Code, q.Category, v.Name)
		logging.Info("Creating %s based on the condition(s) where %s...", name, v.Where)

		n, err := j.Extract(ctx, name, v.Where, m)
		if err != nil {
			return names, fmt.Errorf("creating %s: %w", name, err)
		}
		dropped, err := DropDuplicateFields(ctx, d.store, name)
		if err != nil {
			return names, err
		}
		logging.Debug("%s: %d rows, dropped %v", name, n, dropped)
		logging.Info("Success!")
		names = append(names, name)
	}
	return names, nil
}

// Mappings maps every joined field, then removes the first mapping named
// after each field stem missing from keep. Because removal goes by output
// name, a lookup field whose stem repeats a layer field leaves its _1 copy
// mapped; DropDuplicateFields clears those after extraction.
func Mappings(j *geodb.Join, keep []string) *geodb.FieldMappings {
	m := j.FieldMappings()
	for _, f := range j.Fields() {
		stem := f.Stem()
		if util.ContainsFold(keep, stem) {
			continue
		}
		if i := m.FindFieldMapIndex(stem); i > -1 {
			m.RemoveFieldMap(i)
		}
	}
	return m
}

// DropDuplicateFields deletes every field of name ending in _1 and returns
// the deleted names.
func DropDuplicateFields(ctx context.Context, store *geodb.Store, name string) ([]string, error) {
	fields, err := store.ListFields(ctx, name)
	if err != nil {
		return nil, err
	}
	var dropped []string
	for _, f := range fields {
		if !strings.HasSuffix(f.Name, duplicateSuffix) {
			continue
		}
		if err := store.DeleteField(ctx, name, f.Name); err != nil {
			return dropped, fmt.Errorf("deleting %s.%s: %w", name, f.Name, err)
		}
		dropped = append(dropped, f.Name)
	}
	return dropped, nil
}

func label(l config.Layer) string {
	if l.Label != "" {
		return l.Label
	}
	return l.Code
}
