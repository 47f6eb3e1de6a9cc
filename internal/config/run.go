package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lherron/cardsync/internal/domain"
)

// Default tuning values for a run
const (
	DefaultStride             = 65536
	DefaultReconcileBatchSize = 200
	DefaultLedgerPageSize     = 1000
)

// BoardPair links a source board to an existing target board
type BoardPair struct {
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
}

// Concurrency holds per-entity-type scheduler slot counts
type Concurrency struct {
	Labels     int `yaml:"labels" json:"labels"`
	Lists      int `yaml:"lists" json:"lists"`
	Cards      int `yaml:"cards" json:"cards"`
	Comments   int `yaml:"comments" json:"comments"`
	Checklists int `yaml:"checklists" json:"checklists"`
}

// DefaultConcurrency returns the stock slot counts
func DefaultConcurrency() Concurrency {
	return Concurrency{Labels: 4, Lists: 4, Cards: 8, Comments: 10, Checklists: 6}
}

// Run is the static description of one sync or reconcile invocation
type Run struct {
	Boards               []BoardPair       `yaml:"boards" json:"boards"`
	Users                map[string]string `yaml:"users" json:"users"`
	Mode                 domain.SyncMode   `yaml:"mode" json:"mode"`
	IncludeArchivedLists bool              `yaml:"include_archived_lists" json:"include_archived_lists"`
	Concurrency          Concurrency       `yaml:"concurrency" json:"concurrency"`
	Stride               float64           `yaml:"stride" json:"stride"`
	ReconcileBatchSize   int               `yaml:"reconcile_batch_size" json:"reconcile_batch_size"`
	LedgerPageSize       int               `yaml:"ledger_page_size" json:"ledger_page_size"`
}

// LoadRun reads a YAML run file. An empty path yields a run with defaults
// only, to be filled in from flags.
func LoadRun(path string) (*Run, error) {
	run := &Run{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read run config: %w", err)
		}
		if err := yaml.Unmarshal(data, run); err != nil {
			return nil, fmt.Errorf("failed to parse run config %s: %w", path, err)
		}
	}
	run.ApplyDefaults()
	return run, nil
}

// ApplyDefaults fills zero-valued tuning fields
func (r *Run) ApplyDefaults() {
	if r.Mode == "" {
		r.Mode = domain.SyncModeMerge
	}
	if r.Users == nil {
		r.Users = map[string]string{}
	}
	def := DefaultConcurrency()
	if r.Concurrency.Labels <= 0 {
		r.Concurrency.Labels = def.Labels
	}
	if r.Concurrency.Lists <= 0 {
		r.Concurrency.Lists = def.Lists
	}
	if r.Concurrency.Cards <= 0 {
		r.Concurrency.Cards = def.Cards
	}
	if r.Concurrency.Comments <= 0 {
		r.Concurrency.Comments = def.Comments
	}
	if r.Concurrency.Checklists <= 0 {
		r.Concurrency.Checklists = def.Checklists
	}
	if r.Stride <= 0 {
		r.Stride = DefaultStride
	}
	if r.ReconcileBatchSize <= 0 {
		r.ReconcileBatchSize = DefaultReconcileBatchSize
	}
	if r.LedgerPageSize <= 0 {
		r.LedgerPageSize = DefaultLedgerPageSize
	}
}

// Validate checks the run for missing or malformed fields
func (r *Run) Validate() error {
	if len(r.Boards) == 0 {
		return fmt.Errorf("no boards configured: add a boards entry or pass --board source:target")
	}
	seen := make(map[string]bool)
	for i, b := range r.Boards {
		if b.Source == "" || b.Target == "" {
			return fmt.Errorf("boards[%d]: source and target are required", i)
		}
		if seen[b.Source] {
			return fmt.Errorf("boards[%d]: source board %s listed twice", i, b.Source)
		}
		seen[b.Source] = true
	}
	if err := domain.ValidateSyncMode(string(r.Mode)); err != nil {
		return err
	}
	return nil
}
