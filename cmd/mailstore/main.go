package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fenilsonani/mailstore/internal/archive"
	"github.com/fenilsonani/mailstore/internal/blob"
	"github.com/fenilsonani/mailstore/internal/config"
	"github.com/fenilsonani/mailstore/internal/crypt"
	"github.com/fenilsonani/mailstore/internal/handler"
	"github.com/fenilsonani/mailstore/internal/lock"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/notify"
	"github.com/fenilsonani/mailstore/internal/quota"
	"github.com/fenilsonani/mailstore/internal/ratelimit"
	"github.com/fenilsonani/mailstore/internal/store"
	"github.com/fenilsonani/mailstore/internal/store/memory"
	"github.com/fenilsonani/mailstore/internal/store/sqlite"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailstore",
	Short: "Mailbox consistency engine over a document store",
	Long: `The storage node behind IMAP frontends:
- UID/modseq allocation and mailbox consistency
- Quota accounting and per-user upload budgets
- Distributed mailbox write locks over Redis
- Cross-process mailbox change notifications`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help commands
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return nil
	},
}

// node is one fully wired engine instance. Protocol frontends embed the same
// wiring through handler.New; the CLI builds it for the serve daemon and the
// operational subcommands.
type node struct {
	db       store.DB
	redis    *redis.Client
	hub      *notify.Hub
	bridge   *notify.Bridge
	ledger   *quota.Ledger
	handlers *handler.Handlers
	logger   *logging.Logger
}

func buildNode(ctx context.Context) (*node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	n := &node{logger: logger}
	ok := false
	defer func() {
		if !ok {
			n.close()
		}
	}()

	switch cfg.Storage.Driver {
	case "memory":
		n.db = memory.New()
	default:
		n.db, err = sqlite.Open(ctx, cfg.Storage.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	blobs := blob.NewStore(cfg.Storage.BlobPath)

	// Redis backs locks, the upload budget and the event bridge. With redis
	// disabled everything falls back to in-process equivalents.
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		n.redis = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = n.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	limitCfg := ratelimit.Config{
		Window:   config.Duration(cfg.Limits.UploadWindow, ratelimit.DefaultConfig().Window),
		MaxBytes: cfg.Limits.UploadMaxBytes,
	}
	var locks lock.Manager
	var limiter ratelimit.ByteLimiter
	if n.redis != nil {
		locks = lock.NewRedis(n.redis, cfg.Redis.Prefix)
		limiter = ratelimit.NewRedis(n.redis, cfg.Redis.Prefix, limitCfg, logger)
		n.bridge = notify.NewBridge(n.redis, cfg.Redis.Prefix, logger)
	} else {
		locks = lock.NewMemory()
		limiter = ratelimit.NewMemory(limitCfg)
		logger.Warn("Redis disabled - locks and limits are process-local")
	}

	n.hub = notify.NewHub()
	if n.bridge != nil {
		n.bridge.Start(n.hub)
	}
	notifier := notify.NewNotifier(n.hub, n.bridge, logger)

	n.ledger = quota.NewLedger(n.db.Users(), logger)

	var enc *crypt.Encryptor
	if cfg.Encryption.Enabled {
		enc, err = loadEncryptor(cfg.Encryption.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load master key: %w", err)
		}
		logger.Info("Mailbox encryption enabled")
	}

	var archiver archive.Archiver = archive.Nop{}
	if cfg.Storage.ArchivePath != "" {
		archiver = archive.NewMaildir(cfg.Storage.ArchivePath)
	}

	hcfg := handler.DefaultConfig()
	hcfg.ExpungeLockTTL = config.Duration(cfg.Locks.ExpungeTTL, hcfg.ExpungeLockTTL)
	hcfg.MoveLockTTL = config.Duration(cfg.Locks.MoveTTL, hcfg.MoveLockTTL)
	hcfg.LockWait = config.Duration(cfg.Locks.Wait, hcfg.LockWait)
	hcfg.ProgressAfter = config.Duration(cfg.Commands.ProgressAfter, hcfg.ProgressAfter)
	hcfg.ProgressEvery = config.Duration(cfg.Commands.ProgressEvery, hcfg.ProgressEvery)

	n.handlers = handler.New(n.db, blobs, locks, n.ledger, limiter, notifier, enc, archiver, hcfg, logger)

	ok = true
	return n, nil
}

// close tears the node down in reverse wiring order.
func (n *node) close() {
	if n.bridge != nil {
		n.bridge.Stop()
	}
	if n.hub != nil {
		n.hub.Close()
	}
	if n.ledger != nil {
		n.ledger.Wait()
	}
	if n.redis != nil {
		if err := n.redis.Close(); err != nil {
			n.logger.Error("Redis close error", "error", err.Error())
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Error("Store close error", "error", err.Error())
		}
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mail store node",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := buildNode(context.Background())
		if err != nil {
			return err
		}
		defer n.close()
		n.logger.Info("Mail store started", "driver", cfg.Storage.Driver)

		var metricsSrv *http.Server
		if cfg.Metrics.Enabled {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					n.logger.Error("Metrics server error", "error", err.Error())
				}
			}()
			n.logger.Info("Metrics server started", "addr", cfg.Metrics.Listen)
		}

		fmt.Println("Mail store node is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		sig := <-sigCh
		n.logger.Info("Received shutdown signal", "signal", sig.String())

		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				n.logger.Error("Metrics server shutdown error", "error", err.Error())
			}
			cancel()
		}

		n.logger.Info("Shutdown complete")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the effective values",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Println("Configuration is valid.")
		fmt.Print(string(out))
		return nil
	},
}

var deliverCmd = &cobra.Command{
	Use:   "deliver <user-id> <mailbox-path> <message-file>",
	Short: "Store a message file into a user's mailbox",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("failed to read message file: %w", err)
		}

		ctx := context.Background()
		n, err := buildNode(ctx)
		if err != nil {
			return err
		}
		defer n.close()

		sess := &handler.Session{ID: store.NewID(), UserID: args[0]}
		res, err := n.handlers.Append(ctx, sess, handler.AppendRequest{
			MailboxPath: args[1],
			Raw:         raw,
		})
		if err != nil {
			return fmt.Errorf("append failed: %w", err)
		}
		if res.Status != handler.StatusOK {
			return fmt.Errorf("append rejected: %s", res.Status)
		}
		fmt.Printf("Delivered as UID %d (uidvalidity %d, modseq %d)\n",
			uint32(res.UID), res.UIDValidity, res.ModSeq)
		return nil
	},
}

var expungeCmd = &cobra.Command{
	Use:   "expunge <user-id> <mailbox-path>",
	Short: "Permanently remove a mailbox's deleted messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, err := buildNode(ctx)
		if err != nil {
			return err
		}
		defer n.close()

		sess := &handler.Session{ID: store.NewID(), UserID: args[0]}
		open, err := n.handlers.Open(ctx, sess, args[1])
		if err != nil {
			return fmt.Errorf("open failed: %w", err)
		}
		if open.Status != handler.StatusOK {
			return fmt.Errorf("open rejected: %s", open.Status)
		}

		res, err := n.handlers.Expunge(ctx, sess, handler.ExpungeRequest{
			MailboxID: open.MailboxID,
			Silent:    true,
		})
		if err != nil {
			return fmt.Errorf("expunge failed: %w", err)
		}
		fmt.Printf("Removed %d messages\n", res.Removed)
		return nil
	},
}

// User management commands
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage store users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <name> [quota-bytes]",
	Short: "Add a user and their default mailboxes",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		var quotaBytes int64
		if len(args) > 1 {
			var err error
			quotaBytes, err = strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid quota: %w", err)
			}
		}

		ctx := context.Background()
		n, err := buildNode(ctx)
		if err != nil {
			return err
		}
		defer n.close()

		u := &store.User{ID: store.NewID(), Name: name, Quota: quotaBytes}
		if err := n.db.Users().Create(ctx, u); err != nil {
			return fmt.Errorf("failed to add user: %w", err)
		}

		for _, mb := range defaultMailboxes() {
			mb.UserID = u.ID
			if err := n.db.Mailboxes().Create(ctx, &mb); err != nil {
				fmt.Printf("Warning: failed to create mailbox %s: %v\n", mb.Path, err)
			}
		}

		fmt.Printf("User '%s' added with ID %s\n", name, u.ID)
		fmt.Println("Default mailboxes created: INBOX, Drafts, Sent, Trash, Junk, Archive")
		return nil
	},
}

var quotaRecalcCmd = &cobra.Command{
	Use:   "recalc-quota <user-id>",
	Short: "Recompute a user's storage counter from stored messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, err := buildNode(ctx)
		if err != nil {
			return err
		}
		defer n.close()

		total, err := n.ledger.Recalculate(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to recalculate storage: %w", err)
		}
		fmt.Printf("Storage used: %d bytes\n", total)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mailstore v0.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(deliverCmd)
	rootCmd.AddCommand(expungeCmd)
	rootCmd.AddCommand(versionCmd)

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(quotaRecalcCmd)
	rootCmd.AddCommand(userCmd)
}

// loadEncryptor reads the hex or raw 32-byte master key file.
func loadEncryptor(path string) (*crypt.Encryptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if key, err := hex.DecodeString(trimmed); err == nil && len(key) == 32 {
		return crypt.New(key)
	}
	return crypt.New(data)
}

func defaultMailboxes() []store.Mailbox {
	return []store.Mailbox{
		{Path: "INBOX"},
		{Path: "Drafts", SpecialUse: imap.MailboxAttrDrafts},
		{Path: "Sent", SpecialUse: imap.MailboxAttrSent},
		{Path: "Trash", SpecialUse: imap.MailboxAttrTrash, RetentionDays: 30},
		{Path: "Junk", SpecialUse: imap.MailboxAttrJunk, RetentionDays: 30},
		{Path: "Archive", SpecialUse: imap.MailboxAttrArchive},
	}
}
