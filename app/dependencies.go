package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upb/mcp-acp/config"
	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/oidc"
	"github.com/upb/mcp-acp/repositories"
	"github.com/upb/mcp-acp/repositories/postgres"
	"github.com/upb/mcp-acp/services/approval"
	"github.com/upb/mcp-acp/services/arbiter"
	"github.com/upb/mcp-acp/services/audit"
	"github.com/upb/mcp-acp/services/backend"
	"github.com/upb/mcp-acp/services/policy"
	"github.com/upb/mcp-acp/services/session"
	"go.uber.org/zap"
)

// sessionCleanupInterval is how often idle sessions are swept
const sessionCleanupInterval = time.Minute

// TokenVerifier turns a bearer token into a verification result
type TokenVerifier interface {
	Verify(ctx context.Context, token string) session.TokenResult
}

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// Audit mirror, nil unless DATABASE_URL_AUDIT is set
	DB          *postgres.DB
	RepoFactory *postgres.RepositoryFactory
	AuditLogs   repositories.AuditRepository
	TxManager   repositories.TransactionManager

	// Audit
	AuditSink       *audit.FileSink
	AuditDispatcher *audit.Dispatcher
	Audit           *audit.Emitter

	// Request arbitration
	Policy        *policy.Store
	Approvals     *approval.Queue
	Authenticator *session.Authenticator
	Verifier      TokenVerifier
	Backend       *backend.HTTPForwarder
	Arbiter       *arbiter.Arbiter
	Sessions      *arbiter.Registry

	stop     chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		stop:   make(chan struct{}),
	}

	// Initialize the optional PostgreSQL audit mirror
	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initAudit(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize audit: %w", err)
	}

	// A proxy without a valid policy must not start
	if err := deps.initPolicy(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize policy: %w", err)
	}

	deps.initArbiter(cfg)
	deps.startWorkers(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase connects the audit mirror database when configured
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if cfg.Audit.Database == nil {
		d.Logger.Info("audit mirror database not configured, writing JSONL streams only")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(*cfg.Audit.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	if err := factory.GetDB().HealthCheck(ctx); err != nil {
		_ = factory.Close()
		return err
	}

	if err := factory.InitSchema(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	repos := factory.NewRepositories()
	d.RepoFactory = factory
	d.DB = factory.GetDB()
	d.AuditLogs = repos.AuditRecords
	d.TxManager = factory.GetTransactionManager()

	d.Logger.Info("audit mirror database connected",
		zap.String("connection", cfg.Audit.Database.LogString()))
	return nil
}

// initAudit opens the JSONL streams and, with a mirror database, the dispatcher
func (d *Dependencies) initAudit(cfg *config.Config) error {
	sink, err := audit.NewFileSink(cfg.Audit.LogDir)
	if err != nil {
		return err
	}
	d.AuditSink = sink

	var opts []audit.Option
	if d.AuditLogs != nil {
		dcfg := audit.DefaultDispatcherConfig()
		if cfg.Audit.BufferSize > 0 {
			dcfg.BufferSize = cfg.Audit.BufferSize
		}
		dispatcher := audit.NewDispatcher(d.AuditLogs, d.TxManager, d.Logger, dcfg)
		if err := dispatcher.Start(); err != nil {
			return err
		}
		d.AuditDispatcher = dispatcher
		opts = append(opts, audit.WithMirror(dispatcher))
	}

	d.Audit = audit.NewEmitter(sink, d.Logger, opts...)
	d.Logger.Info("audit streams opened", zap.String("dir", cfg.Audit.LogDir))
	return nil
}

// initPolicy loads the policy file and records it as the initial configuration
func (d *Dependencies) initPolicy(cfg *config.Config) error {
	d.Policy = policy.NewStore(d.Audit, d.Logger)
	rs, _, err := d.Policy.ReloadFile(cfg.Policy.File, models.ChangeTypeInitialLoad)
	if err != nil {
		return err
	}
	d.Logger.Info("policy loaded",
		zap.String("file", cfg.Policy.File),
		zap.String("version", rs.Version))
	return nil
}

// initArbiter wires authentication, the approval queue and the backend into the arbiter
func (d *Dependencies) initArbiter(cfg *config.Config) {
	d.Approvals = approval.NewQueue(d.Logger, approval.WithNotifier(approvalLogger(d.Logger)))

	d.Authenticator = session.NewAuthenticator(session.Config{
		Provider:   cfg.OIDC.Provider,
		SafeClaims: cfg.OIDC.SafeClaims,
	}, d.Audit, d.Logger)

	if cfg.OIDC.Issuer == "" && cfg.OIDC.JWKSURL == "" {
		d.Logger.Warn("oidc not configured, every session will be unauthenticated")
		d.Verifier = unconfiguredVerifier{}
	} else {
		d.Verifier = oidc.NewVerifier(oidc.Config{
			Issuer:   cfg.OIDC.Issuer,
			Audience: cfg.OIDC.Audience,
			JWKSURL:  cfg.OIDC.JWKSEndpoint(),
			Provider: cfg.OIDC.Provider,
			CacheTTL: cfg.OIDC.JWKSCacheTTL,
		})
	}

	d.Backend = backend.NewHTTPForwarder(backend.Config{
		ID:      cfg.Backend.ID,
		URL:     cfg.Backend.URL,
		Timeout: cfg.Backend.Timeout,
	}, d.Logger)

	d.Arbiter = arbiter.New(arbiter.Dependencies{
		Authenticator: d.Authenticator,
		Policy:        d.Policy,
		Approvals:     d.Approvals,
		Backend:       d.Backend,
		Audit:         d.Audit,
	}, arbiter.Config{HITLTimeout: cfg.Policy.HITLTimeout}, d.Logger)

	d.Sessions = arbiter.NewRegistry(cfg.Session.MaxSessions, cfg.Session.IdleTimeout)

	d.Logger.Info("arbiter initialized", zap.Stringer("backend", d.Backend))
}

// startWorkers starts the approval timeout sweep and the idle session cleanup
func (d *Dependencies) startWorkers(cfg *config.Config) {
	d.workers.Add(2)
	go func() {
		defer d.workers.Done()
		ticker := time.NewTicker(cfg.Policy.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				if n := d.Approvals.Sweep(now); n > 0 {
					d.Logger.Info("expired approval tickets", zap.Int("count", n))
				}
			case <-d.stop:
				return
			}
		}
	}()
	go func() {
		defer d.workers.Done()
		d.Sessions.StartCleanupWorker(sessionCleanupInterval, d.stop)
	}()
}

// approvalLogger reports queue changes to the operator log
func approvalLogger(logger *zap.Logger) approval.Notifier {
	return approval.NotifierFunc(func(n approval.Notification) {
		fields := []zap.Field{
			zap.String("ticket_id", n.TicketID.String()),
			zap.String("session_id", n.SessionID),
			zap.String("request_id", n.RequestID),
			zap.Int("position", n.Position),
			zap.String("state", string(n.State)),
		}
		if n.NewlyActive {
			logger.Info("approval required", append(fields, zap.Time("deadline", n.Deadline))...)
			return
		}
		logger.Debug("approval queue updated", fields...)
	})
}

// unconfiguredVerifier rejects all tokens (used when OIDC is not configured)
type unconfiguredVerifier struct{}

func (unconfiguredVerifier) Verify(context.Context, string) session.TokenResult {
	return session.TokenResult{Err: errors.New("token verification not configured")}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stop != nil {
		d.stopOnce.Do(func() { close(d.stop) })
		d.workers.Wait()
	}

	// Sessions first: closing them cancels their tickets and records session_ended
	if d.Sessions != nil {
		n := d.Sessions.CloseAll(arbiter.CloseReasonShutdown)
		d.Logger.Info("sessions closed", zap.Int("count", n))
	}
	if d.Approvals != nil {
		d.Approvals.Close()
	}

	if d.AuditDispatcher != nil {
		timeout := 10 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.AuditDispatcher.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit dispatcher: %w", err))
		}
		d.AuditDispatcher = nil
	}

	if err := d.closeStorage(); err != nil {
		errs = append(errs, err)
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}

// closeStorage closes the audit streams and the mirror database
func (d *Dependencies) closeStorage() error {
	var errs []error
	if d.AuditSink != nil {
		if err := d.AuditSink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit streams: %w", err))
		}
		d.AuditSink = nil
	}
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
	}
	return errors.Join(errs...)
}
