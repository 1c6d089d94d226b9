package fhir

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Engine is the assembled storage and search facade: one object wiring the
// store, extractor, planner, executor, and bundle processor over a shared
// pool.
type Engine struct {
	store     *Store
	executor  *Executor
	processor *BundleProcessor
	registry  *SearchParamRegistry
}

// EngineConfig carries the tunables the Engine needs.
type EngineConfig struct {
	SearchTimeout   time.Duration
	DefaultPageSize int
	MaxPageSize     int
}

// NewEngine wires the engine over a pool. registry may be nil to use the
// standard declarations; terminology may be nil to disable the valueset
// modifiers.
func NewEngine(pool *pgxpool.Pool, registry *SearchParamRegistry, terminology TerminologyService, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if registry == nil {
		registry = DefaultRegistry()
	}

	extractor := NewExtractor(registry, logger)
	store := NewStore(pool, extractor, logger)
	extractor.SetIdentifierResolver(store)

	planner := NewPlanner(registry, terminology, cfg.DefaultPageSize, cfg.MaxPageSize)
	executor := NewExecutor(pool, planner, store, cfg.SearchTimeout, logger)
	processor := NewBundleProcessor(pool, store, executor, logger)

	return &Engine{
		store:     store,
		executor:  executor,
		processor: processor,
		registry:  registry,
	}
}

// Registry exposes the declared search parameters.
func (e *Engine) Registry() *SearchParamRegistry { return e.registry }

func (e *Engine) Create(ctx context.Context, resourceType string, payload json.RawMessage) (*ResourceVersion, error) {
	return e.store.Create(ctx, resourceType, payload)
}

func (e *Engine) Read(ctx context.Context, resourceType, id string) (*ResourceVersion, error) {
	return e.store.Get(ctx, resourceType, id)
}

func (e *Engine) ReadVersion(ctx context.Context, resourceType, id string, versionID int) (*ResourceVersion, error) {
	return e.store.GetVersion(ctx, resourceType, id, versionID)
}

func (e *Engine) Update(ctx context.Context, resourceType, id string, payload json.RawMessage, ifMatch string) (*ResourceVersion, error) {
	return e.store.Update(ctx, resourceType, id, payload, ifMatch)
}

func (e *Engine) Delete(ctx context.Context, resourceType, id string) (*ResourceVersion, error) {
	return e.store.Delete(ctx, resourceType, id)
}

// History returns the full version history of a resource as a history Bundle.
func (e *Engine) History(ctx context.Context, resourceType, id string) (*Bundle, error) {
	versions, err := e.store.History(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	return NewHistoryBundle(versions), nil
}

// Search parses and runs a search, returning the searchset Bundle.
func (e *Engine) Search(ctx context.Context, resourceType string, query url.Values) (*Bundle, error) {
	params, opts, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}
	result, err := e.executor.Search(ctx, resourceType, params, opts)
	if err != nil {
		return nil, err
	}
	return NewSearchBundle(result), nil
}

// PatientEverything returns the patient's compartment as a searchset Bundle.
func (e *Engine) PatientEverything(ctx context.Context, patientID string) (*Bundle, error) {
	result, err := e.store.PatientEverything(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return NewSearchBundle(result), nil
}

// ProcessBundle executes a transaction or batch Bundle.
func (e *Engine) ProcessBundle(ctx context.Context, raw json.RawMessage) (*Bundle, error) {
	return e.processor.Process(ctx, raw)
}

// Reindex rebuilds the derived state of one resource.
func (e *Engine) Reindex(ctx context.Context, resourceType, id string) error {
	return e.store.Reindex(ctx, resourceType, id)
}
