package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/ebpa-setup/internal/geodb"
	"github.com/johndauphine/ebpa-setup/internal/logging"
)

// SourceCheck is the result of describing one source layer.
type SourceCheck struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	Reachable      bool   `json:"reachable"`
	MaxRecordCount int    `json:"max_record_count,omitempty"`
	LatencyMs      int64  `json:"latency_ms"`
	Error          string `json:"error,omitempty"`
}

// PreflightResult reports whether a run can start.
type PreflightResult struct {
	Timestamp     string        `json:"timestamp"`
	CensusStore   string        `json:"census_store"`
	CensusFound   bool          `json:"census_found"`
	MissingLayers []string      `json:"missing_layers,omitempty"`
	Sources       []SourceCheck `json:"sources,omitempty"`
	Healthy       bool          `json:"healthy"`
}

// Err describes every problem found, or returns nil when healthy.
func (r *PreflightResult) Err() error {
	var errs []error
	if !r.CensusFound {
		errs = append(errs, fmt.Errorf("census store %s not found", r.CensusStore))
	} else if len(r.MissingLayers) > 0 {
		errs = append(errs, fmt.Errorf("census store %s is missing %s", r.CensusStore, strings.Join(r.MissingLayers, ", ")))
	}
	for _, s := range r.Sources {
		if !s.Reachable {
			errs = append(errs, fmt.Errorf("source %s: %s", s.Name, s.Error))
		}
	}
	return errors.Join(errs...)
}

// Preflight checks that the census store holds every layer the scenarios
// copy. With checkSources it also describes each source layer, giving every
// request its own timeout.
func (o *Orchestrator) Preflight(ctx context.Context, checkSources bool) (*PreflightResult, error) {
	const checkTimeout = 30 * time.Second

	result := &PreflightResult{
		Timestamp:   time.Now().Format(time.RFC3339),
		CensusStore: o.config.StorePath(o.config.CensusStore),
	}

	if geodb.Exists(result.CensusStore) {
		census, err := geodb.Open(ctx, result.CensusStore)
		if err != nil {
			return nil, fmt.Errorf("opening census store: %w", err)
		}
		result.CensusFound = true
		for _, layer := range o.config.CensusLayers() {
			ok, err := census.Exists(ctx, layer)
			if err != nil {
				census.Close()
				return nil, fmt.Errorf("checking census layer %s: %w", layer, err)
			}
			if !ok {
				result.MissingLayers = append(result.MissingLayers, layer)
			}
		}
		census.Close()
	}

	if checkSources {
		for _, src := range o.config.Sources {
			check := SourceCheck{Name: src.Name, URL: src.URL}
			start := time.Now()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			info, err := o.client.LayerInfo(checkCtx, src.URL)
			cancel()
			check.LatencyMs = time.Since(start).Milliseconds()
			if err != nil {
				check.Error = err.Error()
			} else {
				check.Reachable = true
				check.MaxRecordCount = info.MaxRecordCount
			}
			logging.Debug("Checked %s in %dms", src.Name, check.LatencyMs)
			result.Sources = append(result.Sources, check)
		}
	}

	result.Healthy = result.Err() == nil
	return result, nil
}
