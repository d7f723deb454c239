package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"

	"campaignstate.io/core/internal/access"
	"campaignstate.io/core/internal/audit"
	"campaignstate.io/core/internal/branch"
	"campaignstate.io/core/internal/cache"
	"campaignstate.io/core/internal/config"
	"campaignstate.io/core/internal/depgraph"
	"campaignstate.io/core/internal/entitystore"
	"campaignstate.io/core/internal/eval"
	"campaignstate.io/core/internal/evalctx"
	"campaignstate.io/core/internal/eventbus"
	"campaignstate.io/core/internal/pkg/worker"
	"campaignstate.io/core/internal/repository"
	"campaignstate.io/core/internal/storage"
	"campaignstate.io/core/internal/variables"
	"campaignstate.io/core/internal/versionstore"
	"campaignstate.io/core/internal/worldtime"
)

// Infrastructure holds shared cross-cutting dependencies and the fully
// wired service layer. It is a provider, not a Module.
type Infrastructure struct {
	Config      *config.Config
	DB          *storage.Clients
	Pools       *worker.Pools
	Pool        *pgxpool.Pool
	RiverClient *river.Client[pgx.Tx]
	AuditLogger *audit.Logger
	Bus         *eventbus.Bus
	FieldCache  *cache.Cache

	Entities  *entitystore.Store
	Variables *variables.Service
	WorldTime *worldtime.Service
	Branches  *branch.Service
	DepGraph  *depgraph.Service
	Access    *access.Guard
}

// NewInfrastructure initializes the connection pool, worker pools, and
// every C1-C12 service on top of the repositories they compose.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	db, err := storage.NewClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		EvalPoolSize:       cfg.Worker.EvalPoolSize,
		InvalidatePoolSize: cfg.Worker.InvalidatePoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	entityRepo := repository.NewEntityRepository(db.Pool)
	versionRepo := repository.NewVersionRepository(db.Pool)
	branchRepo := repository.NewBranchRepository(db.Pool)
	campaignRepo := repository.NewCampaignRepository(db.Pool)
	variableRepo := repository.NewStateVariableRepository(db.Pool)
	auditRepo := repository.NewAuditRepository(db.Pool)

	auditLogger := audit.NewLogger(auditRepo)
	bus := eventbus.New()
	accessGuard := access.New(entityRepo, campaignRepo)
	versions := versionstore.New(versionRepo, branchRepo)

	fieldCache := cache.New(cfg.Cache.GracePeriod)
	ctxBuilder := evalctx.New(entityRepo)
	registry := eval.NewRegistry()
	evaluator := eval.New(registry)

	depgraphService := depgraph.New(variableRepo)

	entities := entitystore.New(db.Pool, entityRepo, versions, campaignRepo, branchRepo, accessGuard, bus, auditLogger)
	variablesService := variables.New(db.Pool, variableRepo, versions, campaignRepo, accessGuard, depgraphService, bus, fieldCache, ctxBuilder, evaluator)
	worldtimeService := worldtime.New(db.Pool, campaignRepo, accessGuard, bus, depgraphService)
	branchService := branch.New(db.Pool, branchRepo, versions, versionRepo, accessGuard, bus, auditLogger)

	return &Infrastructure{
		Config:      cfg,
		DB:          db,
		Pools:       pools,
		Pool:        db.Pool,
		RiverClient: db.RiverClient,
		AuditLogger: auditLogger,
		Bus:         bus,
		FieldCache:  fieldCache,

		Entities:  entities,
		Variables: variablesService,
		WorldTime: worldtimeService,
		Branches:  branchService,
		DepGraph:  depgraphService,
		Access:    accessGuard,
	}, nil
}

// InitRiver initializes the River client on top of a prepared worker registry.
func (i *Infrastructure) InitRiver(workers *river.Workers) error {
	if i == nil || i.DB == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if err := i.DB.InitRiverClient(workers, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
