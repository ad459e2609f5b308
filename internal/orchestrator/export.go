package orchestrator

import (
	"context"
	"fmt"

	"github.com/johndauphine/ebpa-setup/internal/export"
	"github.com/johndauphine/ebpa-setup/internal/geodb"
	"github.com/johndauphine/ebpa-setup/internal/logging"
)

// ExportStores resolves the scenario stores to export. An empty list selects
// every configured scenario.
func (o *Orchestrator) ExportStores(names []string) ([]string, error) {
	if len(names) == 0 {
		for _, s := range o.config.Scenarios {
			names = append(names, s.Store)
		}
		return names, nil
	}
	var stores []string
	for _, n := range names {
		s, ok := o.config.Scenario(n)
		if !ok {
			return nil, fmt.Errorf("no scenario store named %q", n)
		}
		stores = append(stores, s.Store)
	}
	return stores, nil
}

// Export copies the named scenario stores into PostgreSQL.
func (o *Orchestrator) Export(ctx context.Context, names []string) (int64, error) {
	if o.config.Export.Host == "" || o.config.Export.Database == "" {
		return 0, fmt.Errorf("export.host and export.database must be configured")
	}
	stores, err := o.ExportStores(names)
	if err != nil {
		return 0, err
	}

	e, err := export.Connect(ctx, o.config.ExportDSN())
	if err != nil {
		return 0, fmt.Errorf("connecting to %s: %w", o.config.Export.Host, err)
	}
	defer e.Close()

	var total int64
	for _, name := range stores {
		s, err := geodb.Open(ctx, o.config.StorePath(name))
		if err != nil {
			return total, err
		}
		n, err := e.Store(ctx, s)
		s.Close()
		if err != nil {
			return total, fmt.Errorf("exporting %s: %w", name, err)
		}
		logging.Info("Exported %s: %d rows", name, n)
		total += n
	}
	return total, nil
}
