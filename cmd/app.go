package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/audit"
	"github.com/spediresicuro/anne/internal/config"
	"github.com/spediresicuro/anne/internal/database"
	"github.com/spediresicuro/anne/internal/directory"
	"github.com/spediresicuro/anne/internal/draft"
	"github.com/spediresicuro/anne/internal/escalation"
	"github.com/spediresicuro/anne/internal/knowledge"
	"github.com/spediresicuro/anne/internal/llm"
	"github.com/spediresicuro/anne/internal/maintenance"
	"github.com/spediresicuro/anne/internal/orchestrator"
	"github.com/spediresicuro/anne/internal/policy"
	"github.com/spediresicuro/anne/internal/postal"
	"github.com/spediresicuro/anne/internal/retry"
	"github.com/spediresicuro/anne/internal/session"
	"github.com/spediresicuro/anne/internal/tools"
	"github.com/spediresicuro/anne/internal/workers/address"
	"github.com/spediresicuro/anne/internal/workers/booking"
	"github.com/spediresicuro/anne/internal/workers/creation"
	"github.com/spediresicuro/anne/internal/workers/crm"
	"github.com/spediresicuro/anne/internal/workers/mentor"
	"github.com/spediresicuro/anne/internal/workers/ocr"
	"github.com/spediresicuro/anne/internal/workers/outreach"
	"github.com/spediresicuro/anne/internal/workers/pricing"
	"github.com/spediresicuro/anne/internal/workers/support"
)

const courierTimeout = 30 * time.Second

// app holds everything the orchestrator needs, built once from config.
type app struct {
	cfg       *config.Config
	db        *database.Handles
	router    *orchestrator.Router
	resolver  *acting.Resolver
	directory directory.Directory
	notifier  escalation.Notifier
	locker    session.Locker
	// tasks are the periodic purges the sweeper runs.
	tasks []maintenance.Task
}

// buildApp wires stores, tools and workers. memoryOnly forces in-process
// stores regardless of configured backends.
func buildApp(ctx context.Context, cfg *config.Config, memoryOnly bool) (*app, error) {
	a := &app{cfg: cfg}

	usePostgres := !memoryOnly && (cfg.Session.Backend == "postgres" || cfg.Queue.Backend == "river")
	if usePostgres {
		db, err := database.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		a.db = db
	}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// Sessions and locks.
	var sessions session.Store
	if a.db != nil && cfg.Session.Backend == "postgres" {
		store := session.NewPostgresStore(a.db.Pool)
		locker := session.NewPostgresLocker(a.db.Pool)
		sessions, a.locker = store, locker
		a.tasks = append(a.tasks,
			maintenance.Task{Name: "sessions", Purge: store.PurgeExpired},
			maintenance.Task{Name: "locks", Purge: locker.PurgeExpiredLocks},
		)
	} else {
		store := session.NewMemoryStore()
		sessions, a.locker = store, session.NewMemoryLocker()
		a.tasks = append(a.tasks, maintenance.Task{Name: "sessions", Purge: store.PurgeExpired})
	}

	// Audit trail.
	var auditStore audit.Store = audit.NewMemoryStore()
	if a.db != nil {
		auditStore = audit.NewPostgresStore(a.db.SQL)
	}
	recorder := audit.NewRecorder(auditStore)

	// Directory of users, workspaces and channel links.
	dir, err := openDirectory(a.db, cfg.Directory.SeedFile)
	if err != nil {
		return nil, err
	}
	a.directory = dir
	a.resolver = acting.NewResolver(dir, dir)

	// Escalation.
	a.notifier = escalation.NopNotifier{}
	if cfg.Escalation.SlackToken != "" {
		n, err := escalation.NewSlackNotifier(cfg.Escalation.SlackToken, cfg.Escalation.SlackChannel)
		if err != nil {
			return nil, fmt.Errorf("escalation: %w", err)
		}
		a.notifier = n
	}

	// Tool executor and domain tools.
	rules, err := policy.LoadRules(cfg.Policy.RulesFile)
	if err != nil {
		return nil, err
	}
	exec := tools.NewExecutor(tools.WithRules(rules), tools.WithAudit(recorder))
	crmRepo := crm.NewMemoryRepository()
	timeline := crm.NewAuditTimeline(recorder)
	if err := crm.RegisterTools(exec, crmRepo, timeline); err != nil {
		return nil, fmt.Errorf("register crm tools: %w", err)
	}
	outreachStore := outreach.NewMemoryStore()
	if err := outreach.RegisterTools(exec, outreachStore, timeline); err != nil {
		return nil, fmt.Errorf("register outreach tools: %w", err)
	}
	supportBackend := support.NewMemoryBackend()
	if err := support.RegisterTools(exec, supportBackend, a.notifier); err != nil {
		return nil, fmt.Errorf("register support tools: %w", err)
	}

	// Language model, optional.
	var model *llm.ResilientClient
	if cfg.LLM.Provider != "" {
		conn, err := llm.NewConnector(ctx, llm.Options{
			Provider:    llm.Provider(cfg.LLM.Provider),
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		model = llm.NewResilientClient(conn, retry.LLMConfig())
	}

	// Knowledge base for the mentor.
	var kbStore knowledge.Store = knowledge.NewInMemoryStore()
	if a.db != nil {
		kbStore = knowledge.NewPostgresStore(a.db.SQL)
	}
	kb := knowledge.NewService(kbStore, cfg.Mentor.MinScore)
	if n, err := kb.Seed(ctx, cfg.Mentor.DocsFile); err != nil {
		log.Warn().Err(err).Msg("knowledge seed failed")
	} else {
		log.Debug().Int("docs", n).Msg("knowledge base seeded")
	}

	// Booking.
	var idem booking.IdempotencyStore
	if a.db != nil {
		s := booking.NewPostgresIdempotencyStore(a.db.Pool)
		idem = s
		a.tasks = append(a.tasks, maintenance.Task{Name: "idempotency", Purge: s.PurgeExpired})
	} else {
		s := booking.NewMemoryIdempotencyStore()
		idem = s
		a.tasks = append(a.tasks, maintenance.Task{Name: "idempotency", Purge: s.PurgeExpired})
	}
	courier := booking.NewHTTPCourier(cfg.Booking.CourierURL, cfg.Booking.CourierAPIKey, courierTimeout)

	// Pricing.
	postalDir := postal.Default()
	quoter := pricing.NewCachedQuoter(pricing.NewRateCardQuoter(cfg.Pricing.Rates, postalDir), cfg.Pricing.CacheTTL)
	a.tasks = append(a.tasks, maintenance.Task{Name: "pricing_cache", Purge: func(context.Context) (int, error) {
		return quoter.Purge(), nil
	}})

	a.router = orchestrator.New(
		buildWorkers(cfg, model, postalDir, quoter, courier, idem, kb, crmRepo, outreachStore, supportBackend, exec),
		orchestrator.WithSessions(sessions, cfg.Session.TTL),
		orchestrator.WithLocker(a.locker, cfg.Session.LockTTL),
		orchestrator.WithDelegator(acting.NewDelegator(dir, dir)),
		orchestrator.WithAudit(recorder),
		orchestrator.WithNotifier(a.notifier),
	)

	ok = true
	return a, nil
}

func buildWorkers(
	cfg *config.Config,
	model *llm.ResilientClient,
	postalDir *postal.Directory,
	quoter pricing.Quoter,
	courier booking.Courier,
	idem booking.IdempotencyStore,
	kb *knowledge.Service,
	crmRepo *crm.MemoryRepository,
	outreachStore outreach.Store,
	supportBackend support.Backend,
	exec *tools.Executor,
) []agent.Worker {
	creationOpts := []creation.Option{}
	ocrOpts := []ocr.Option{ocr.WithMinConfidence(cfg.OCR.MinConfidence)}
	mentorOpts := []mentor.Option{}
	if model != nil {
		extractor := ocr.NewModelExtractor(model, cfg.LLM.Timeout)
		creationOpts = append(creationOpts, creation.WithExtractor(modelDraftExtractor{extractor}))
		ocrOpts = append(ocrOpts, ocr.WithExtractor(extractor))
		if cfg.OCR.VisionEnabled {
			ocrOpts = append(ocrOpts, ocr.WithRecognizer(ocr.NewModelRecognizer(model, cfg.LLM.Timeout)))
		}
		mentorOpts = append(mentorOpts, mentor.WithSynthesis(model, cfg.LLM.Timeout))
	}

	outreachOpts := []outreach.Option{outreach.WithKillSwitch(cfg.Outreach.KillSwitch)}
	var configured []string
	if cfg.Channels.WhatsApp.Enabled {
		configured = append(configured, "whatsapp")
	}
	if cfg.Channels.Telegram.Enabled {
		configured = append(configured, "telegram")
	}
	outreachOpts = append(outreachOpts, outreach.WithConfiguredChannels(configured...))

	workers := []agent.Worker{
		address.New(postalDir),
		pricing.New(quoter),
		booking.New(courier, idem,
			booking.WithExecutor(exec),
			booking.WithWindow(cfg.Booking.IdempotencyWindow),
			booking.WithRetryAfter(cfg.Booking.RetryAfter),
		),
		creation.New(postalDir, creationOpts...),
		mentor.New(kb, mentorOpts...),
		crm.New(crmRepo, exec),
		outreach.New(outreachStore, crmRepo, exec, outreachOpts...),
		support.New(supportBackend, exec),
	}
	if cfg.OCR.Enabled {
		workers = append(workers, ocr.New(postalDir, ocrOpts...))
	}
	return workers
}

// modelDraftExtractor lets the creation chain fall back to the model
// extractor for free text it cannot parse.
type modelDraftExtractor struct {
	m *ocr.ModelExtractor
}

func (e modelDraftExtractor) Extract(ctx context.Context, text string, _ draft.Draft) (*creation.Extraction, error) {
	d, confidence, err := e.m.Extract(ctx, text)
	if err != nil {
		return nil, err
	}
	return &creation.Extraction{Draft: d, Confidence: confidence}, nil
}

func openDirectory(db *database.Handles, seedFile string) (directory.Directory, error) {
	if db != nil {
		return directory.NewPostgres(db.SQL), nil
	}
	if seedFile == "" {
		return directory.NewMemory(), nil
	}
	dir, err := directory.LoadFile(seedFile)
	if err != nil {
		return nil, fmt.Errorf("directory seed: %w", err)
	}
	return dir, nil
}

// Close releases the database handles.
func (a *app) Close() {
	if a != nil && a.db != nil {
		a.db.Close()
	}
}
