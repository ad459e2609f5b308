// Package fetch downloads every record of a map-service layer by splitting
// its sorted object-ID list into contiguous ranges of at most maxRecordCount
// IDs and querying one range per request.
package fetch

import (
	"context"
	"fmt"
	"strings"

	"github.com/johndauphine/ebpa-setup/internal/arcgis"
	"github.com/johndauphine/ebpa-setup/internal/config"
	"github.com/johndauphine/ebpa-setup/internal/logging"
	"github.com/johndauphine/ebpa-setup/internal/progress"
)

// LayerClient is the part of the map-service client the fetcher uses.
type LayerClient interface {
	LayerInfo(ctx context.Context, layerURL string) (*arcgis.LayerInfo, error)
	ObjectIDs(ctx context.Context, layerURL, where string) (*arcgis.IDList, error)
	Query(ctx context.Context, layerURL string, q arcgis.QueryParams) (*arcgis.FeatureSet, error)
}

// IDRange is an inclusive range of positions in the sorted ID list, with the
// IDs at both ends.
type IDRange struct {
	Start, End   int
	FromID, ToID int64
}

// Len returns the number of IDs in the range.
func (r IDRange) Len() int {
	return r.End - r.Start + 1
}

// Partition splits sorted IDs into ceil(n/pageSize) contiguous ranges. The
// last range ends at len(ids)-1.
func Partition(ids []int64, pageSize int) []IDRange {
	if pageSize <= 0 || len(ids) == 0 {
		return nil
	}
	ranges := make([]IDRange, 0, (len(ids)+pageSize-1)/pageSize)
	for start := 0; start < len(ids); start += pageSize {
		end := start + pageSize - 1
		if end >= len(ids) {
			end = len(ids) - 1
		}
		ranges = append(ranges, IDRange{
			Start:  start,
			End:    end,
			FromID: ids[start],
			ToID:   ids[end],
		})
	}
	return ranges
}

// RangeWhere builds the where clause selecting a range.
func RangeWhere(idField string, r IDRange) string {
	return fmt.Sprintf("%s >= %d and %s <= %d", idField, r.FromID, idField, r.ToID)
}

// PageWhere combines the ID filter with a range, so a page returns only the
// records the ID list holds. The match-all filter is left out.
func PageWhere(filter, idField string, r IDRange) string {
	rw := RangeWhere(idField, r)
	if f := strings.TrimSpace(filter); f != "" && f != "1=1" {
		return "(" + f + ") and " + rw
	}
	return rw
}

// Result holds everything downloaded for one source.
type Result struct {
	Source  config.Source
	Info    *arcgis.LayerInfo
	IDField string
	IDs     []int64
	Pages   []*arcgis.FeatureSet
}

// Records returns the number of features across all pages.
func (r *Result) Records() int {
	n := 0
	for _, p := range r.Pages {
		n += len(p.Features)
	}
	return n
}

// Verify checks that the pages hold every server-reported ID exactly once.
func (r *Result) Verify() error {
	want := make(map[int64]bool, len(r.IDs))
	for _, id := range r.IDs {
		want[id] = true
	}

	seen := make(map[int64]bool, len(r.IDs))
	for p, page := range r.Pages {
		for i := range page.Features {
			id, err := page.OID(i, r.IDField)
			if err != nil {
				return fmt.Errorf("%s page %d: %w", r.Source.Name, p, err)
			}
			if seen[id] {
				return fmt.Errorf("%s: %s %d returned twice", r.Source.Name, r.IDField, id)
			}
			if !want[id] {
				return fmt.Errorf("%s: %s %d was not in the ID list", r.Source.Name, r.IDField, id)
			}
			seen[id] = true
		}
	}
	for _, id := range r.IDs {
		if !seen[id] {
			return fmt.Errorf("%s: %s %d missing from the downloaded pages", r.Source.Name, r.IDField, id)
		}
	}
	return nil
}

// Fetcher downloads sources one page at a time.
type Fetcher struct {
	client  LayerClient
	where   string
	tracker *progress.Tracker
}

// New creates a fetcher. where filters the ID query, normally "1=1".
// A nil tracker disables progress output.
func New(client LayerClient, where string, tracker *progress.Tracker) *Fetcher {
	if where == "" {
		where = "1=1"
	}
	if tracker == nil {
		tracker = progress.NewWithWriter(nil)
	}
	return &Fetcher{client: client, where: where, tracker: tracker}
}

// Fetch downloads every record of src.
func (f *Fetcher) Fetch(ctx context.Context, src config.Source) (*Result, error) {
	info, err := f.client.LayerInfo(ctx, src.URL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Name, err)
	}
	logging.Info("Record extract limit: %d", info.MaxRecordCount)

	ids, err := f.client.ObjectIDs(ctx, src.URL, f.where)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Name, err)
	}
	logging.Info("Number of target records: %d", len(ids.ObjectIDs))

	res := &Result{
		Source:  src,
		Info:    info,
		IDField: ids.ObjectIDFieldName,
		IDs:     ids.ObjectIDs,
	}

	ranges := Partition(res.IDs, info.MaxRecordCount)
	logging.Info("Gathering records...")
	f.tracker.Start(src.Name, int64(len(ranges)))
	for _, r := range ranges {
		where := PageWhere(f.where, res.IDField, r)
		logging.Debug("  %s", where)

		page, err := f.client.Query(ctx, src.URL, arcgis.QueryParams{
			Where:          where,
			OutFields:      "*",
			ReturnGeometry: true,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: querying %s: %w", src.Name, where, err)
		}
		if page.ExceededTransferLimit {
			return nil, fmt.Errorf("%s: page %s exceeded the service transfer limit", src.Name, where)
		}
		res.Pages = append(res.Pages, page)
		f.tracker.Add(1)
	}
	logging.Info("%s", f.tracker.Finish(res.Records()))

	if err := res.Verify(); err != nil {
		return nil, err
	}
	return res, nil
}
