// Package config holds the run parameters for ebpa-setup: data sources,
// layer allowlists, scenario queries and the scenario store table.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	KindFeature = "feature"
	KindRecord  = "record"
)

// Variant names.
const (
	VariantBaseline = "baseline"
	VariantCurrent  = "current"
)

// Config is the complete run configuration. It replaces process-wide settings:
// every stage receives the struct explicitly.
type Config struct {
	Workspace   string       `yaml:"workspace"`    // Directory holding all .gdb stores
	SetupStore  string       `yaml:"setup_store"`  // Intermediate store name (without .gdb)
	CensusStore string       `yaml:"census_store"` // Pre-existing census store name
	KeepSetup   bool         `yaml:"keep_setup"`   // Skip deleting the setup store after distribution
	HTTP        HTTPConfig   `yaml:"http"`
	Sources     []Source     `yaml:"sources"`
	Join        Join         `yaml:"join"`
	Layers      []Layer      `yaml:"layers"`
	Queries     []Query      `yaml:"queries"`
	Scenarios   []Scenario   `yaml:"scenarios"`
	Logging     LogConfig    `yaml:"logging"`
	Export      ExportConfig `yaml:"export"`
}

// HTTPConfig controls map-service requests.
type HTTPConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	UserAgent         string        `yaml:"user_agent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	OutSR             int           `yaml:"out_sr"`              // 0 = service native spatial reference
	Where             string        `yaml:"where"`               // ID query filter (default 1=1)
}

// Source describes one map-service layer or table to download.
type Source struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Code string `yaml:"code"` // Feature class name in the setup store
	Kind string `yaml:"kind"` // feature or record
}

// Join names the lookup table every layer is joined to.
type Join struct {
	Table   string `yaml:"table"`    // Source code of the lookup table
	Key     string `yaml:"key"`      // Key field on the layer
	JoinKey string `yaml:"join_key"` // Key field on the lookup table
}

// Layer is a merged feature class that scenario feature classes derive from.
type Layer struct {
	Code       string   `yaml:"code"`
	Label      string   `yaml:"label"`
	KeepFields []string `yaml:"keep_fields"`
}

// Query is one query category with its variant predicates.
type Query struct {
	Category string    `yaml:"category"`
	Variants []Variant `yaml:"variants"`
}

// Variant is a named filter predicate.
type Variant struct {
	Name  string `yaml:"name"`
	Where string `yaml:"where"`
}

// Scenario is one output store.
type Scenario struct {
	Store        string   `yaml:"store"`
	Category     string   `yaml:"category"`
	Variant      string   `yaml:"variant"`
	CensusLayers []string `yaml:"census_layers"`
}

// LogConfig controls console logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ExportConfig holds the optional PostgreSQL export target.
type ExportConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// Default returns the project's built-in configuration.
func Default() *Config {
	cfg := &Config{
		Sources: []Source{
			{
				Name: "parks",
				URL:  "https://maps.raleighnc.gov/arcgis/rest/services/Parks/Greenway/MapServer/5",
				Code: "p",
				Kind: KindFeature,
			},
			{
				Name: "access_points",
				URL:  "https://services.arcgis.com/v400IkDOw1ad7Yad/arcgis/rest/services/Park_Access_Points/FeatureServer/0",
				Code: "ap",
				Kind: KindFeature,
			},
			{
				Name: "analysis_tiers",
				URL:  "https://services.arcgis.com/v400IkDOw1ad7Yad/arcgis/rest/services/Park_Analysis_Tiers/FeatureServer/0",
				Code: "at",
				Kind: KindRecord,
			},
		},
		Join: Join{Table: "at", Key: "PARKID", JoinKey: "PARKID"},
		Layers: []Layer{
			{
				Code:       "p",
				Label:      "parks",
				KeepFields: []string{"Shape", "PARKID", "NAME", "MAP_ACRES"},
			},
			{
				Code:  "ap",
				Label: "access points",
				KeepFields: []string{"PARKID", "AP_CODE", "TYPE", "STATUS",
					"ENTRANCE", "PARK_NAME", "NETWORK", "AP_ID"},
			},
		},
		Queries: []Query{
			{
				Category: "los",
				Variants: []Variant{
					{Name: VariantBaseline, Where: "LEVEL_OF_SERVICE = 1 AND EBPAYEAR = 2013"},
					{Name: VariantCurrent, Where: "LEVEL_OF_SERVICE = 1"},
				},
			},
			{
				Category: "la",
				Variants: []Variant{
					{Name: VariantBaseline, Where: "LAND_ACQUISITION = 1 AND EBPAYEAR = 2013"},
					{Name: VariantCurrent, Where: "LAND_ACQUISITION = 1"},
				},
			},
		},
		Scenarios: []Scenario{
			{Store: "LOS_BASELINE", Category: "los", Variant: VariantBaseline,
				CensusLayers: []string{"BLOCKS_2013", "BLOCKGROUP_2013"}},
			{Store: "LOS_CURRENT", Category: "los", Variant: VariantCurrent,
				CensusLayers: []string{"BLOCKS_2013", "BLOCKS_2017", "BLOCKGROUP_2017"}},
			{Store: "LA_BASELINE", Category: "la", Variant: VariantBaseline,
				CensusLayers: []string{"BLOCKS_2013", "BLOCKGROUP_2013"}},
			{Store: "LA_CURRENT", Category: "la", Variant: VariantCurrent,
				CensusLayers: []string{"BLOCKS_2013", "BLOCKS_2017", "BLOCKGROUP_2017"}},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file over the built-in defaults. Lists in the file
// replace the default lists entirely. ${VAR} references are expanded from the
// environment after loading an optional .env file from the working directory.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		c.Workspace = "."
	}
	if c.SetupStore == "" {
		c.SetupStore = "SETUP"
	}
	if c.CensusStore == "" {
		c.CensusStore = "EBPA_CENSUS"
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 2 * time.Minute
	}
	if c.HTTP.Where == "" {
		c.HTTP.Where = "1=1"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Export.Port == 0 {
		c.Export.Port = 5432
	}
	if c.Export.SSLMode == "" {
		c.Export.SSLMode = "prefer"
	}
}

// Validate checks the static tables for broken references. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.HTTP.Timeout < 0 {
		add("http.timeout must not be negative")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		add("http.requests_per_second must not be negative")
	}

	if len(c.Sources) == 0 {
		add("at least one source is required")
	}
	sources := make(map[string]Source)
	names := make(map[string]bool)
	for i, s := range c.Sources {
		switch {
		case s.Name == "":
			add("sources[%d]: name is required", i)
		case names[s.Name]:
			add("sources[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true

		if s.Code == "" {
			add("source %q: code is required", s.Name)
		} else if _, dup := sources[strings.ToLower(s.Code)]; dup {
			add("source %q: duplicate code %q", s.Name, s.Code)
		}
		sources[strings.ToLower(s.Code)] = s

		if s.Kind != KindFeature && s.Kind != KindRecord {
			add("source %q: kind must be %q or %q, got %q", s.Name, KindFeature, KindRecord, s.Kind)
		}
		if u, err := url.Parse(s.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("source %q: url %q is not an http(s) URL", s.Name, s.URL)
		}
	}

	if _, ok := sources[strings.ToLower(c.Join.Table)]; !ok {
		add("join.table %q does not name a source code", c.Join.Table)
	}
	if c.Join.Key == "" || c.Join.JoinKey == "" {
		add("join.key and join.join_key are required")
	}

	layers := make(map[string]bool)
	for i, l := range c.Layers {
		src, ok := sources[strings.ToLower(l.Code)]
		switch {
		case l.Code == "":
			add("layers[%d]: code is required", i)
		case !ok:
			add("layer %q does not name a source code", l.Code)
		case src.Kind != KindFeature:
			add("layer %q: source %q is a %s table, not a feature layer", l.Code, src.Name, src.Kind)
		case strings.EqualFold(l.Code, c.Join.Table):
			add("layer %q is the join table", l.Code)
		}
		if layers[strings.ToLower(l.Code)] {
			add("layer %q listed twice", l.Code)
		}
		layers[strings.ToLower(l.Code)] = true
		if len(l.KeepFields) == 0 {
			add("layer %q: keep_fields is empty", l.Code)
		}
	}
	if len(c.Layers) == 0 {
		add("at least one layer is required")
	}

	variants := make(map[string]bool)
	categories := make(map[string]bool)
	for i, q := range c.Queries {
		if q.Category == "" {
			add("queries[%d]: category is required", i)
			continue
		}
		if categories[q.Category] {
			add("query category %q listed twice", q.Category)
		}
		categories[q.Category] = true
		if len(q.Variants) == 0 {
			add("query %q has no variants", q.Category)
		}
		for _, v := range q.Variants {
			if v.Name != VariantBaseline && v.Name != VariantCurrent {
				add("query %q: variant must be %q or %q, got %q", q.Category, VariantBaseline, VariantCurrent, v.Name)
			}
			if strings.TrimSpace(v.Where) == "" {
				add("query %q variant %q: where is empty", q.Category, v.Name)
			}
			key := q.Category + "/" + v.Name
			if variants[key] {
				add("query %q: variant %q listed twice", q.Category, v.Name)
			}
			variants[key] = true
		}
	}

	stores := map[string]bool{
		strings.ToLower(c.SetupStore):  true,
		strings.ToLower(c.CensusStore): true,
	}
	for i, s := range c.Scenarios {
		if s.Store == "" {
			add("scenarios[%d]: store is required", i)
			continue
		}
		if stores[strings.ToLower(s.Store)] {
			add("scenario store %q collides with another store", s.Store)
		}
		stores[strings.ToLower(s.Store)] = true
		if !variants[s.Category+"/"+s.Variant] {
			add("scenario %q: no query %q with variant %q", s.Store, s.Category, s.Variant)
		}
		for _, layer := range s.CensusLayers {
			if layer == "" {
				add("scenario %q: empty census layer name", s.Store)
			}
		}
	}

	return errors.Join(errs...)
}

// StorePath returns the on-disk path of a store in the workspace.
func (c *Config) StorePath(name string) string {
	return filepath.Join(c.Workspace, name+".gdb")
}

// Source returns the source with the given code.
func (c *Config) Source(code string) (Source, bool) {
	for _, s := range c.Sources {
		if strings.EqualFold(s.Code, code) {
			return s, true
		}
	}
	return Source{}, false
}

// Query returns the query with the given category.
func (c *Config) Query(category string) (Query, bool) {
	for _, q := range c.Queries {
		if q.Category == category {
			return q, true
		}
	}
	return Query{}, false
}

// Scenario returns the scenario writing to the named store.
func (c *Config) Scenario(store string) (Scenario, bool) {
	for _, s := range c.Scenarios {
		if strings.EqualFold(s.Store, store) {
			return s, true
		}
	}
	return Scenario{}, false
}

// CensusLayers returns every census layer any scenario copies, in first-use order.
func (c *Config) CensusLayers() []string {
	seen := make(map[string]bool)
	var layers []string
	for _, s := range c.Scenarios {
		for _, l := range s.CensusLayers {
			if !seen[l] {
				seen[l] = true
				layers = append(layers, l)
			}
		}
	}
	return layers
}

// FeatureClassName is the name of the scenario feature class derived from a
// layer for one category and variant, e.g. p_los_baseline.
func FeatureClassName(layerCode, category, variant string) string {
	return fmt.Sprintf("%s_%s_%s", layerCode, category, variant)
}

// ScenarioFeatureClasses lists the feature classes a scenario store receives,
// one per layer.
func (c *Config) ScenarioFeatureClasses(s Scenario) []string {
	names := make([]string, 0, len(c.Layers))
	for _, l := range c.Layers {
		names = append(names, FeatureClassName(l.Code, s.Category, s.Variant))
	}
	return names
}

// ExportDSN builds the PostgreSQL connection URL for the export command.
func (c *Config) ExportDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Export.User, c.Export.Password),
		Host:   fmt.Sprintf("%s:%d", c.Export.Host, c.Export.Port),
		Path:   "/" + c.Export.Database,
	}
	q := url.Values{}
	q.Set("sslmode", c.Export.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Export.Password != "" {
		cp.Export.Password = "********"
	}
	return &cp
}
