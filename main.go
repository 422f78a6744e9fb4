package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/blocklist"
	"github.com/deemkeen/stegofed/daemons"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/inbox"
	"github.com/deemkeen/stegofed/metrics"
	"github.com/deemkeen/stegofed/queue"
	"github.com/deemkeen/stegofed/sendpool"
	"github.com/deemkeen/stegofed/util"
	"github.com/deemkeen/stegofed/watchdog"
	"github.com/deemkeen/stegofed/web"
)

const (
	databaseFile = "database.db"
	queueDir     = "queue"
	keyBits      = 2048
	workerPoll   = 5 * time.Second
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   util.Name,
		Short: "Federation engine for a single-server social node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		serveCmd(),
		accountCmd(),
		blockCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConf() (*util.AppConfig, error) {
	if configFile != "" {
		return util.ReadConfFrom(configFile)
	}
	return util.ReadConf()
}

func openDB(conf *util.AppConfig, logger *zap.SugaredLogger) (*db.DB, error) {
	path, err := util.DataPath(conf, databaseFile)
	if err != nil {
		return nil, err
	}
	return db.Open(path, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, inbox worker and daemons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(util.GetNameAndVersion())
		},
	}
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage local accounts",
	}
	add := &cobra.Command{
		Use:   "add <nickname> <password>",
		Short: "Create a local account with a fresh signing key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConf()
			if err != nil {
				return err
			}
			database, err := openDB(conf, nil)
			if err != nil {
				return err
			}
			defer database.Close()

			hash, err := web.HashPassword(args[1])
			if err != nil {
				return err
			}
			keys, err := util.GeneratePemKeypair(keyBits)
			if err != nil {
				return err
			}
			acc, err := database.CreateAccount(args[0], hash, keys)
			if err != nil {
				return fmt.Errorf("failed to create account: %w", err)
			}
			fmt.Printf("Created %s\n", util.GetIRI(conf.Conf.Domain, acc.Nickname, util.ActorIRI))
			return nil
		},
	}
	cmd.AddCommand(add)
	return cmd
}

func blockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block",
		Short: "Manage the block list",
	}
	add := &cobra.Command{
		Use:   "add <domain|nick@domain|#hashtag>",
		Short: "Append an entry to the block list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConf()
			if err != nil {
				return err
			}
			path, err := util.DataPath(conf, blocklist.FileName)
			if err != nil {
				return err
			}
			return blocklist.New(path, conf.Conf.BlocklistRefresh, nil).Add(args[0])
		},
	}
	cmd.AddCommand(add)
	return cmd
}

func serve() error {
	conf, err := loadConf()
	if err != nil {
		return err
	}
	logger, err := util.NewLogger(conf.Conf.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Infow("Starting "+util.GetNameAndVersion(),
		"domain", conf.Conf.Domain,
		"dataDir", conf.Conf.DataDir,
		"maxQueue", conf.Conf.MaxQueueLength,
		"maxPost", humanize.IBytes(uint64(conf.Conf.MaxPostBytes)),
		"ringSize", conf.Conf.SendRingSize,
		"secureMode", conf.Conf.SecureMode)
	logger.Debugw("Configuration", "conf", util.PrettyPrint(conf))

	database, err := openDB(conf, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	instance, err := database.EnsureInstanceKey(func() (*util.RsaKeyPair, error) {
		logger.Infow("Generating instance actor key")
		return util.GeneratePemKeypair(keyBits)
	})
	if err != nil {
		return fmt.Errorf("instance key: %w", err)
	}
	instanceKey, err := activitypub.ParsePrivateKey(instance.Private)
	if err != nil {
		return fmt.Errorf("instance key: %w", err)
	}

	m := metrics.New()

	blockPath, err := util.DataPath(conf, blocklist.FileName)
	if err != nil {
		return err
	}
	blocks := blocklist.New(blockPath, conf.Conf.BlocklistRefresh, logger)
	if err := blocks.Watch(); err != nil {
		logger.Warnw("Blocklist: watcher unavailable, polling instead", "error", err)
	}
	defer blocks.Close()

	qPath, err := util.DataPath(conf, queueDir)
	if err != nil {
		return err
	}
	q, err := queue.Open(qPath, conf.Conf.MaxQueueLength, logger)
	if err != nil {
		return err
	}
	m.RegisterQueueLength(q.Len)

	client := activitypub.NewClient(conf, instanceKey, logger)
	keys, err := activitypub.NewKeyCache(database, client, conf.Conf.KeyCacheSize, conf.Conf.KeyCacheTTL, m, logger)
	if err != nil {
		return err
	}
	verifier := activitypub.NewVerifier(keys, m, logger)

	pool := sendpool.New(conf.Conf.SendRingSize, conf.Conf.SlotGracePeriod, m, logger)
	deliverer := activitypub.NewDeliverer(client, conf, m, logger)
	outbox := activitypub.NewManager(database, pool, deliverer, client, blocks, conf, logger)

	controller := inbox.NewController(q, blocks, database, conf, m, logger)
	dispatcher := inbox.NewDispatcher(database, outbox, keys, conf, logger)
	worker := inbox.NewWorker(q, verifier, dispatcher, database, workerPoll, logger)

	newswirePath, err := util.DataPath(conf, daemons.NewswireFile)
	if err != nil {
		return err
	}
	newswire := daemons.NewNewswire(database, newswirePath, conf, logger)

	interval := conf.Conf.WatchdogInterval
	inboxSupervisor := watchdog.New("inbox-worker", interval, worker.Run, m, logger)
	controller.SetRestarter(inboxSupervisor)

	var group watchdog.Group
	group.Add(inboxSupervisor)
	group.Add(watchdog.New("scheduler", interval, daemons.NewScheduler(database, outbox, conf, logger).Run, m, logger))
	group.Add(watchdog.New("share-expiry", interval, daemons.NewShareExpiry(database, outbox, conf, logger).Run, m, logger))
	group.Add(watchdog.New("newswire", interval, newswire.Run, m, logger))

	server := web.NewServer(conf, web.Deps{
		DB:          database,
		Inbox:       controller,
		Outbox:      outbox,
		Verifier:    verifier,
		Metrics:     m,
		InstanceKey: instance.Public,
		Newswire:    newswire.Path(),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		return group.Run(gctx)
	})

	err = g.Wait()
	logger.Infow("Stopping deliveries")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if perr := pool.Shutdown(shutdownCtx); perr != nil {
		logger.Warnw("Send pool did not drain", "error", perr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
