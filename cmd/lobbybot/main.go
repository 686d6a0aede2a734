// lobbybot - auto-hosted osu! multiplayer lobbies with skill ratings
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ernie/lobbybot/internal/api"
	"github.com/ernie/lobbybot/internal/auth"
	"github.com/ernie/lobbybot/internal/bancho"
	"github.com/ernie/lobbybot/internal/config"
	"github.com/ernie/lobbybot/internal/domain"
	"github.com/ernie/lobbybot/internal/lobby"
	"github.com/ernie/lobbybot/internal/logging"
	"github.com/ernie/lobbybot/internal/metrics"
	"github.com/ernie/lobbybot/internal/notify"
	"github.com/ernie/lobbybot/internal/orchestrator"
	"github.com/ernie/lobbybot/internal/profile"
	"github.com/ernie/lobbybot/internal/rating"
	"github.com/ernie/lobbybot/internal/storage"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var version = "dev"

const defaultConfigPath = "/etc/lobbybot/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "maps":
		cmdMaps(os.Args[2:])
	case "player":
		cmdPlayer(os.Args[2:])
	case "leaderboard":
		cmdLeaderboard(os.Args[2:])
	case "decay":
		cmdDecay(os.Args[2:])
	case "recompute":
		cmdRecompute(os.Args[2:])
	case "export":
		cmdExport(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "version":
		fmt.Printf("lobbybot %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: lobbybot <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Connect to Bancho and run the lobby pool")
	fmt.Println("  maps import <catalog.yml>     Load or update beatmaps from a catalog file")
	fmt.Println("  player <name>                 Show a player's rating record")
	fmt.Println("  leaderboard [--top N]         Show top ranked players (default: 20)")
	fmt.Println("  decay                         Run one rating decay pass")
	fmt.Println("  recompute                     Replay every stored contest from scratch")
	fmt.Println("  export [--gzip] [--out FILE]  Write contest history for batch rating tools")
	fmt.Println("  token <operator>              Issue a bearer token for the admin endpoints")
	fmt.Println("  version                       Show version")
	fmt.Println("  help                          Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/lobbybot/config.yml)")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  LOBBYBOT_BANCHO_PASSWORD    IRC password, overrides the config file")
	fmt.Println("  LOBBYBOT_PROFILE_API_KEY    Profile service key, overrides the config file")
	fmt.Println("  LOBBYBOT_ADMIN_TOKEN_SECRET Admin token signing secret, overrides the config file")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  lobbybot serve --config /etc/lobbybot/config.yml")
	fmt.Println("  lobbybot maps import maps.yml")
	fmt.Println("  lobbybot leaderboard --top 50")
	fmt.Println("  lobbybot export --gzip --out contests.json.gz")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// loadConfig loads the config file and builds the logger it describes
func loadConfig(path string) (*config.Config, *logrus.Entry) {
	cfg, err := config.Load(path)
	if err != nil {
		fatal(fmt.Errorf("loading config from %s: %w", path, err))
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fatal(err)
	}
	return cfg, logrus.NewEntry(logger)
}

// openEngine opens the database and a rating engine on it for one-off commands
func openEngine(configPath string) (*storage.Store, *rating.Engine, *logrus.Entry) {
	cfg, log := loadConfig(configPath)
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fatal(fmt.Errorf("opening database: %w", err))
	}
	engine := rating.NewEngine(store, ratingParams(cfg.Rating), ratingTiers(cfg.Rating),
		log.WithField("component", "rating"),
		rating.WithFallbackDifficulty(cfg.Maps.FallbackDifficulty))
	return store, engine, log
}

func ratingParams(cfg config.RatingConfig) rating.Params {
	p := rating.DefaultParams()
	p.MinSigma = cfg.MinDeviation
	p.ReferencePeriod = cfg.ReferencePeriod
	return p
}

func ratingTiers(cfg config.RatingConfig) rating.Tiers {
	return rating.Tiers{Names: cfg.Tiers, Top: cfg.TopTier}
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	cfg, log := loadConfig(*configPath)
	log.Infof("lobbybot %s starting...", version)

	if cfg.Bancho.Password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Printf("IRC password for %s: ", cfg.Bancho.Username)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			log.WithError(err).Fatal("Failed to read password")
		}
		cfg.Bancho.Password = string(password)
	}

	// Initialize storage
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()
	log.WithField("path", cfg.Database.Path).Info("Database initialized")

	if cfg.Maps.Catalog != "" {
		n, err := importCatalog(context.Background(), store, cfg.Maps.Catalog)
		if err != nil {
			log.WithError(err).Fatal("Failed to load map catalog")
		}
		log.WithField("maps", n).Info("Map catalog loaded")
	}

	m := metrics.New()

	// Notification sinks
	var sinks domain.MultiNotifier
	var hub *notify.Hub
	if cfg.Notify.ListenAddr != "" {
		hub = notify.NewHub(log.WithField("component", "hub"))
		sinks = append(sinks, hub)
	}
	if cfg.Notify.NATSURL != "" {
		pub, err := notify.ConnectNATS(cfg.Notify.NATSURL, cfg.Notify.NATSSubjectPrefix, log.WithField("component", "nats"))
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}
	var notifier domain.Notifier = domain.NopNotifier{}
	if len(sinks) > 0 {
		notifier = sinks
	}

	deps := lobby.Deps{Players: store, BotName: cfg.Bancho.BotName}
	if cfg.Profile.APIURL != "" {
		fetcher := profile.NewHTTPFetcher(cfg.Profile.APIURL, cfg.Profile.APIKey, cfg.Profile.RequestsPerMinute)
		deps.Profiles = profile.NewRefresher(fetcher, store, cfg.Profile.StaleAfter, log.WithField("component", "profile"))
	} else {
		log.Warn("No profile service configured, map difficulty will follow the fallback")
	}

	engine := rating.NewEngine(store, ratingParams(cfg.Rating), ratingTiers(cfg.Rating),
		log.WithField("component", "rating"),
		rating.WithNotifier(notifier),
		rating.WithMetrics(m),
		rating.WithFallbackDifficulty(cfg.Maps.FallbackDifficulty),
	)

	session := bancho.New(bancho.Config{
		Address:      cfg.Bancho.Address,
		Username:     cfg.Bancho.Username,
		Password:     cfg.Bancho.Password,
		SendInterval: cfg.Bancho.SendInterval,
		BotName:      cfg.Bancho.BotName,
	}, log, bancho.WithLobbyDeps(deps), bancho.WithMetrics(m))

	// Every lobby we sit in gets rated, pool member or not
	session.Subscribe(func(ev bancho.Event) {
		switch ev := ev.(type) {
		case bancho.LobbyRegistered:
			engine.Attach(ev.Lobby)
		case bancho.JoinFailed:
			log.WithFields(logrus.Fields{"channel": ev.Channel, "reason": ev.Reason}).Warn("Join failed")
		}
	})

	selector := orchestrator.NewSelector(store, cfg.Maps.InitialBand, cfg.Maps.MaxAttempts, cfg.Maps.HistorySize)
	orch := orchestrator.New(session, store, selector, cfg.Pool, log.WithField("component", "orchestrator"),
		orchestrator.WithRanker(engine),
		orchestrator.WithNotifier(notifier),
		orchestrator.WithMetrics(m),
		orchestrator.WithFallbackDifficulty(cfg.Maps.FallbackDifficulty),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Connect(ctx); err != nil {
		log.WithError(err).Fatal("Failed to connect to Bancho")
	}
	if err := orch.Start(ctx); err != nil {
		session.Close()
		log.WithError(err).Fatal("Failed to start lobby pool")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-session.Done():
			return fmt.Errorf("bancho session ended: %w", session.Err())
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		engine.RunDecay(gctx, cfg.Rating.DecayInterval)
		return nil
	})

	// HTTP servers
	var servers []*http.Server
	if hub != nil {
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
		opts := []api.Option{api.WithLiveFeed(hub)}
		if cfg.Metrics.ListenAddr == cfg.Notify.ListenAddr {
			opts = append(opts, api.WithMetrics(m.Handler()))
		}
		if cfg.Admin.TokenSecret != "" {
			opts = append(opts, api.WithAdmin(auth.NewService(cfg.Admin.TokenSecret, cfg.Admin.TokenDuration), engine))
		}
		router := api.NewRouter(store, orch, engine, log.WithField("component", "api"), opts...)
		servers = append(servers, newServer(cfg.Notify.ListenAddr, router))
	}
	if cfg.Metrics.ListenAddr != "" && cfg.Metrics.ListenAddr != cfg.Notify.ListenAddr {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", m.Handler())
		servers = append(servers, newServer(cfg.Metrics.ListenAddr, mux))
	}
	for _, srv := range servers {
		g.Go(func() error {
			log.WithField("addr", srv.Addr).Info("HTTP server listening")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	<-gctx.Done()
	if ctx.Err() != nil {
		log.Info("Received signal, shutting down...")
	}

	// Sequential shutdown
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(httpCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	log.Info("Stopping lobby pool...")
	orch.Stop()
	engine.Wait()
	session.Close()

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Exited with error")
		stop()
		store.Close()
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func importCatalog(ctx context.Context, store *storage.Store, path string) (int, error) {
	maps, err := config.LoadCatalog(path)
	if err != nil {
		return 0, err
	}
	if err := store.UpsertBeatmaps(ctx, maps); err != nil {
		return 0, err
	}
	return len(maps), nil
}

func cmdMaps(args []string) {
	if len(args) < 1 || args[0] != "import" {
		fmt.Fprintln(os.Stderr, "Usage: lobbybot maps import <catalog.yml>")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("maps import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args[1:])
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: lobbybot maps import <catalog.yml>")
		os.Exit(1)
	}

	cfg, _ := loadConfig(*configPath)
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fatal(fmt.Errorf("opening database: %w", err))
	}
	defer store.Close()

	n, err := importCatalog(context.Background(), store, fs.Arg(0))
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Imported %d maps\n", n)
}

func cmdPlayer(args []string) {
	fs := flag.NewFlagSet("player", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: lobbybot player <name>")
		os.Exit(1)
	}

	store, engine, _ := openEngine(*configPath)
	defer store.Close()
	ctx := context.Background()

	p, err := store.GetByUsername(ctx, fs.Arg(0))
	if errors.Is(err, storage.ErrNotFound) {
		fatal(fmt.Errorf("%s has not played here", fs.Arg(0)))
	}
	if err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Player:\t%s (id %d)\n", p.Username, p.ID)
	fmt.Fprintf(w, "Tier:\t%s\n", p.Tier)
	if p.Tier != domain.UnrankedTier {
		rank, total, err := engine.Rank(ctx, p)
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(w, "Rank:\t#%d of %d\n", rank, total)
	}
	fmt.Fprintf(w, "Elo:\t%.0f (mu %.1f, sigma %.1f)\n", p.Elo, p.Mu, p.Sigma)
	fmt.Fprintf(w, "Games:\t%d\n", p.GamesPlayed)
	if !p.LastContest.IsZero() {
		fmt.Fprintf(w, "Last contest:\t%s\n", p.LastContest.Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "Overall pp:\t%.0f (aim %.0f, speed %.0f, acc %.0f)\n", p.Overall, p.Aim, p.Speed, p.Acc)
	w.Flush()
}

func cmdLeaderboard(args []string) {
	fs := flag.NewFlagSet("leaderboard", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	top := fs.Int("top", 20, "number of players to show")
	fs.Parse(args)

	cfg, _ := loadConfig(*configPath)
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fatal(fmt.Errorf("opening database: %w", err))
	}
	defer store.Close()

	players, err := store.QualifyingPlayers(context.Background(), rating.MinGames, time.Now().Add(-rating.QualifyingWindow))
	if err != nil {
		fatal(err)
	}
	sort.SliceStable(players, func(i, j int) bool { return players[i].Elo > players[j].Elo })
	if len(players) > *top {
		players = players[:*top]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tPLAYER\tTIER\tELO\tGAMES")
	fmt.Fprintln(w, "-\t------\t----\t---\t-----")
	for i, p := range players {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.0f\t%d\n", i+1, p.Username, p.Tier, p.Elo, p.GamesPlayed)
	}
	w.Flush()
}

func cmdDecay(args []string) {
	fs := flag.NewFlagSet("decay", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	store, engine, _ := openEngine(*configPath)
	defer store.Close()

	res, err := engine.Decay(context.Background())
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Decayed %d players: %d ranked, %d tier changes\n", res.Players, res.Ranked, res.TierChanges)
}

func cmdRecompute(args []string) {
	fs := flag.NewFlagSet("recompute", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	store, engine, _ := openEngine(*configPath)
	defer store.Close()

	n, err := engine.Recompute(context.Background())
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Replayed %d contests\n", n)
}

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	compress := fs.Bool("gzip", false, "gzip the output")
	out := fs.String("out", "", "output file (default stdout)")
	fs.Parse(args)

	cfg, _ := loadConfig(*configPath)
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fatal(fmt.Errorf("opening database: %w", err))
	}
	defer store.Close()

	contests, err := store.ListContests(context.Background())
	if err != nil {
		fatal(err)
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fatal(err)
		}
		defer f.Close()
		w = f
	}
	if err := rating.WriteExport(w, rating.Export(contests), *compress); err != nil {
		fatal(err)
	}
	if *out != "" {
		fmt.Fprintf(os.Stderr, "Exported %d contests to %s\n", len(contests), *out)
	}
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	ttl := fs.Duration("ttl", 0, "token lifetime (default: admin.token_duration)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: lobbybot token [--ttl 24h] <operator>")
		os.Exit(1)
	}

	cfg, _ := loadConfig(*configPath)
	duration := cfg.Admin.TokenDuration
	if *ttl > 0 {
		duration = *ttl
	}

	token, err := auth.NewService(cfg.Admin.TokenSecret, duration).GenerateToken(fs.Arg(0))
	if err != nil {
		fatal(err)
	}
	fmt.Println(token)
}
