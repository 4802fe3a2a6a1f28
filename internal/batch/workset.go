package batch

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/intelmercado/enrich-cli/internal/model"
)

// WorkItem is one unit of batch work: a generation run for a single market
// and candidate kind.
type WorkItem struct {
	Market  string              `yaml:"market" json:"market"`
	Kind    model.CandidateKind `yaml:"kind" json:"kind"`
	Role    model.LeadRole      `yaml:"role,omitempty" json:"role,omitempty"`
	Count   int                 `yaml:"count" json:"count"`
	Exclude []string            `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// WorkSet describes everything a batch job enriches. Item order is the
// processing order, so checkpointed offsets stay meaningful across resume.
type WorkSet struct {
	WorkspaceID string     `yaml:"workspace_id" json:"workspace_id"`
	Items       []WorkItem `yaml:"items" json:"items"`
}

// LoadWorkSet reads and validates a work-set YAML file.
func LoadWorkSet(path string) (*WorkSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: read work set %s", path)
	}

	var ws WorkSet
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, eris.Wrapf(err, "batch: parse work set %s", path)
	}
	if err := ws.Validate(); err != nil {
		return nil, eris.Wrapf(err, "batch: invalid work set %s", path)
	}
	return &ws, nil
}

// Validate checks required fields and fills per-item defaults.
func (ws *WorkSet) Validate() error {
	if ws.WorkspaceID == "" {
		return eris.New("workspace_id is required")
	}
	if len(ws.Items) == 0 {
		return eris.New("at least one work item is required")
	}

	for i := range ws.Items {
		item := &ws.Items[i]
		if item.Market == "" {
			return eris.Errorf("item %d: market is required", i)
		}
		if item.Count <= 0 {
			return eris.Errorf("item %d: count must be positive", i)
		}
		switch item.Kind {
		case "":
			item.Kind = model.KindCompetitor
		case model.KindCompetitor, model.KindLead:
		default:
			return eris.Errorf("item %d: unknown kind %q", i, item.Kind)
		}
		if item.Kind == model.KindLead {
			switch item.Role {
			case "":
				item.Role = model.RolePartner
			case model.RoleSupplier, model.RoleDistributor, model.RolePartner:
			default:
				return eris.Errorf("item %d: unknown role %q", i, item.Role)
			}
		}
	}
	return nil
}
