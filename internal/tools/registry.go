package tools

import (
	"fmt"

	"github.com/autoplan/autoplan/internal/config"
	"github.com/autoplan/autoplan/internal/query"
	"github.com/autoplan/autoplan/internal/storage"
)

type Dependencies struct {
	Warehouse     query.Warehouse
	DatasetEngine query.Engine
	Store         storage.ObjectStore
	Query         config.QueryConfig
}

// NewDefaultRegistry registers the built-in tools. Explain is only offered
// when enabled, and dataset.query only with a dataset engine.
func NewDefaultRegistry(deps Dependencies) (*Registry, error) {
	if deps.Warehouse == nil {
		return nil, fmt.Errorf("warehouse is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	registry := NewRegistry()
	if err := registry.Register(NewQueryTool(deps.Warehouse, deps.Store, deps.Query), QueryToolAlias); err != nil {
		return nil, err
	}
	if err := registry.Register(NewSchemaTool(deps.Warehouse, deps.Store, deps.Query.PreviewRows), SchemaToolAlias); err != nil {
		return nil, err
	}
	if deps.Query.EnableExplain {
		if err := registry.Register(NewExplainTool(deps.Warehouse, deps.Store, deps.Query.PreviewRows), ExplainToolAlias); err != nil {
			return nil, err
		}
	}
	if deps.DatasetEngine != nil {
		if err := registry.Register(NewDatasetQueryTool(deps.DatasetEngine, deps.Store, deps.Query.MaxRows, deps.Query.PreviewRows)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// RequiresSQL reports whether steps of this tool cannot run without sql.
func RequiresSQL(tool Tool) bool {
	return tool.Contract().Requires("sql")
}

// UsesWarehouse reports whether the tool talks to the MySQL warehouse, so a
// schema hint helps its repairs.
func UsesWarehouse(tool Tool) bool {
	switch tool.Name() {
	case QueryToolName, ExplainToolName, SchemaToolName:
		return true
	default:
		return false
	}
}
