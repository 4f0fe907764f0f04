package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LeaveC/xianyubot/agent/agents/classifier"
	"github.com/LeaveC/xianyubot/agent/agents/negotiation"
	"github.com/LeaveC/xianyubot/agent/agents/responder"
	"github.com/LeaveC/xianyubot/agent/agents/router"
	"github.com/LeaveC/xianyubot/agent/archive"
	"github.com/LeaveC/xianyubot/agent/catalog"
	contractx "github.com/LeaveC/xianyubot/agent/contract"
	"github.com/LeaveC/xianyubot/agent/credential"
	"github.com/LeaveC/xianyubot/agent/llm"
	"github.com/LeaveC/xianyubot/agent/prompt"
	statex "github.com/LeaveC/xianyubot/agent/state"
	"github.com/LeaveC/xianyubot/agent/transport"
	configx "github.com/LeaveC/xianyubot/pkg/config"
	goofishx "github.com/LeaveC/xianyubot/pkg/goofish"
	logx "github.com/LeaveC/xianyubot/pkg/logger"
	qstashx "github.com/LeaveC/xianyubot/pkg/qstash"
)

type AppConfig struct {
	// Classifier is llm or rules.
	Classifier        string             `default:"llm"`
	ClassifierHistory int                `split_words:"true" default:"6"`
	ResponderHistory  int                `split_words:"true" default:"10"`
	CatalogTTL        time.Duration      `split_words:"true" default:"30m"`
	CatalogPrices     map[string]float64 `split_words:"true"`
}

type StoreConfig struct {
	IdleTimeout   time.Duration `split_words:"true" default:"2h"`
	SweepInterval time.Duration `split_words:"true" default:"1m"`
	MaxHistory    int           `split_words:"true" default:"100"`
	// Retention keeps the price lineage and stage of evicted conversations.
	Retention time.Duration `default:"720h"`
	// Snapshots persists conversations to Upstash Redis (UPSTASH_REDIS_*).
	Snapshots   bool          `default:"false"`
	SnapshotTTL time.Duration `split_words:"true" default:"720h"`
}

type options struct {
	envFile            string
	verbose            bool
	refreshCredentials bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "xianyubot",
		Short:         "Customer-service bot for Xianyu seller conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configx.SetEnvFile(opts.envFile)
			logCfg := configx.MustNew[logx.Config]("LOG")
			if opts.verbose {
				logCfg.Debug = true
			}
			logx.Init(*logCfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := run(ctx, opts)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("bot stopped")
				return err
			}
			log.Info().Msg("bot stopped")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env", "", "path to a .env file (default ./.env when present)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVar(&opts.refreshCredentials, "refresh-credentials", false, "ignore the cached credential and fetch a new one")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	appCfg := configx.MustNew[AppConfig]("APP")
	storeCfg := configx.MustNew[StoreConfig]("STORE")
	transportCfg := configx.MustNew[transport.Config]("TRANSPORT")
	credentialCfg := configx.MustNew[credential.Config]("CREDENTIAL")
	goofishCfg := configx.MustNew[goofishx.Config]("GOOFISH")
	negotiationCfg := configx.MustNew[negotiation.Config]("NEGOTIATION")
	routerCfg := configx.MustNew[router.Config]("ROUTER")
	llmCfg := configx.MustNew[llm.Config]("LLM")
	archiveCfg := configx.MustNew[archive.Config]("ARCHIVE")
	qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")

	platform := goofishx.MustNew(*goofishCfg)

	supplier, err := credential.NewCookieSupplier(platform, credentialCfg.Cookie, credentialCfg.DeviceID)
	if err != nil {
		return err
	}
	credentials, err := credential.NewBoltCache(credentialCfg.CachePath, credentialCfg.CacheTTL, supplier,
		credential.WithBypass(opts.refreshCredentials))
	if err != nil {
		return err
	}

	tr, err := transport.New(*transportCfg, transport.NewWSDialer(*transportCfg), credentials)
	if err != nil {
		return err
	}

	storeOpts := []statex.MemoryOption{
		statex.WithIdleTimeout(storeCfg.IdleTimeout),
		statex.WithSweepInterval(storeCfg.SweepInterval),
		statex.WithMaxHistory(storeCfg.MaxHistory),
		statex.WithRetention(storeCfg.Retention),
	}
	if archiveCfg.Enabled() {
		pg, err := archive.NewPostgres(*archiveCfg)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("archive schema not ensured")
		}
		storeOpts = append(storeOpts, statex.WithArchiver(pg))
	}
	store := statex.NewMemoryStore(storeOpts...)

	var snapshots statex.SnapshotStore
	if storeCfg.Snapshots {
		redisCfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH_REDIS")
		snapshots, err = statex.NewUpstashRedisStore(*redisCfg, statex.WithTTL(storeCfg.SnapshotTTL))
		if err != nil {
			return err
		}
	}

	var escalator contractx.Escalator = router.LogEscalator{}
	if qstashCfg.Enabled() {
		escalator = router.NewQueueEscalator(qstashx.MustNew(*qstashCfg))
	}

	items, err := catalog.New(platform,
		func() string { return tr.Session().Credential().Cookie },
		catalog.WithTTL(appCfg.CatalogTTL),
		catalog.WithPrices(appCfg.CatalogPrices),
	)
	if err != nil {
		return err
	}

	prompts := prompt.LoadPromptSet()
	responders, err := buildResponders(ctx, *llmCfg, prompts, *negotiationCfg, appCfg.ResponderHistory)
	if err != nil {
		return err
	}
	registry, err := responder.NewRegistry(responders["general"])
	if err != nil {
		return err
	}
	for label, name := range map[contractx.Intent]string{
		contractx.IntentGreeting:        "general",
		contractx.IntentProductQuestion: "product",
		contractx.IntentNegotiation:     "negotiation",
		contractx.IntentLogistics:       "logistics",
		contractx.IntentComplaint:       "complaint",
	} {
		if err := registry.Register(label, responders[name]); err != nil {
			return err
		}
	}

	intents, err := buildClassifier(ctx, *appCfg, *llmCfg, prompts)
	if err != nil {
		return err
	}

	routerOpts := []router.Option{}
	for label, names := range routerCfg.Helpers {
		for _, name := range strings.Split(names, "|") {
			helper, ok := responders[strings.TrimSpace(name)]
			if !ok {
				return fmt.Errorf("%w: unknown helper responder %q for %s", contractx.ErrValidation, name, label)
			}
			routerOpts = append(routerOpts, router.WithHelpers(contractx.Intent(label), helper))
		}
	}

	rt, err := router.New(router.Deps{
		Store:      store,
		Snapshots:  snapshots,
		Classifier: intents,
		Registry:   registry,
		Sender:     tr,
		Escalator:  escalator,
		Catalog:    items,
	}, *routerCfg, routerOpts...)
	if err != nil {
		return err
	}

	dispatcher, err := router.NewDispatcher(rt, store)
	if err != nil {
		return err
	}

	log.Info().
		Str("session", tr.Session().ID).
		Bool("collaborative", routerCfg.Collaborative).
		Bool("archive", archiveCfg.Enabled()).
		Bool("snapshots", snapshots != nil).
		Msg("bot starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tr.Run(gctx)
	})
	g.Go(func() error {
		store.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx, tr.Events())
	})
	return g.Wait()
}

// buildResponders returns every responder by name. The names are what
// ROUTER_HELPERS refers to.
func buildResponders(
	ctx context.Context,
	cfg llm.Config,
	prompts prompt.PromptSet,
	negotiationCfg negotiation.Config,
	history int,
) (map[string]contractx.Responder, error) {
	engine, err := negotiation.New(negotiationCfg)
	if err != nil {
		return nil, err
	}
	out := map[string]contractx.Responder{"negotiation": engine}

	specs := []struct {
		name   string
		role   llm.Role
		prompt string
		opts   []responder.Option
	}{
		{name: "general", role: llm.RoleGeneral, prompt: prompts.General},
		{name: "product", role: llm.RoleProduct, prompt: prompts.Product},
		{name: "logistics", role: llm.RoleLogistics, prompt: prompts.Logistics},
		{name: "complaint", role: llm.RoleComplaint, prompt: prompts.Complaint},
		{name: "bargain", role: llm.RoleGeneral, prompt: prompts.Bargain, opts: []responder.Option{responder.WithBargainTemperature()}},
	}
	for _, s := range specs {
		completer, err := llm.NewCompleter(ctx, cfg, s.role)
		if err != nil {
			return nil, err
		}
		opts := append([]responder.Option{responder.WithHistoryLimit(history)}, s.opts...)
		r, err := responder.NewLLMResponder(s.name, completer, s.prompt, opts...)
		if err != nil {
			return nil, err
		}
		out[s.name] = r
	}
	return out, nil
}

func buildClassifier(ctx context.Context, app AppConfig, cfg llm.Config, prompts prompt.PromptSet) (contractx.Classifier, error) {
	switch strings.ToLower(strings.TrimSpace(app.Classifier)) {
	case "rules":
		return classifier.NewRulesClassifier(), nil
	case "", "llm":
		completer, err := llm.NewCompleter(ctx, cfg, llm.RoleClassifier)
		if err != nil {
			return nil, err
		}
		return classifier.NewLLMClassifier(completer, prompts.Classifier, app.ClassifierHistory)
	default:
		return nil, fmt.Errorf("%w: unknown classifier %q", contractx.ErrValidation, app.Classifier)
	}
}
