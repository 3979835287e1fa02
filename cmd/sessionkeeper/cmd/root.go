package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.etcd.io/bbolt"

	"github.com/schoolhub/sessionkeeper/client"
	"github.com/schoolhub/sessionkeeper/internal/config"
	"github.com/schoolhub/sessionkeeper/internal/logging"
	"github.com/schoolhub/sessionkeeper/session"
	bboltstorage "github.com/schoolhub/sessionkeeper/storage/bbolt"
	"github.com/schoolhub/sessionkeeper/syncqueue"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var rootCmd = newRootCmd()

// purgeSecrets wipes every memguard-held credential.
var purgeSecrets = memguard.Purge

// Execute runs the CLI and wipes in-memory secrets before returning or exiting.
func Execute() {
	err := rootCmd.Execute()
	purgeSecrets()
	if err != nil {
		os.Exit(1)
	}
}

// app is the state shared by subcommands for one invocation.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
	db     *bboltstorage.Store
	client *client.Client
	queue  *syncqueue.Queue
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var envFile string

	root := &cobra.Command{
		Use:   "sessionkeeper",
		Short: "sessionkeeper keeps a school staff session alive, online or off",
		Long: `A command-line client for the school administration API. It logs staff in,
renews their tokens, keeps working offline for up to seven days after the
last online login, and syncs attendance recorded while offline.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := cmd.Annotations[sessionAnnotation]; !ok {
				return nil
			}
			if err := a.open(cmd, envFile); err != nil {
				return errors.Join(err, a.close())
			}
			return nil
		},
	}

	a.v = config.New("")
	flags := root.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "Path to an optional .env file")
	flags.String("api-url", "", "Base URL of the school API")
	flags.String("data-dir", "", "Directory for the session database")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Write logs to this rotating file instead of stderr")
	for key, flag := range map[string]string{
		"API_URL":   "api-url",
		"DATA_DIR":  "data-dir",
		"LOG_LEVEL": "log-level",
		"LOG_FILE":  "log-file",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		newVersionCmd(),
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newStatusCmd(a),
		newRegisterCmd(a),
		newAttendanceCmd(a),
	)
	return root
}

// open loads configuration, opens the session database and restores the
// persisted session.
func (a *app) open(cmd *cobra.Command, envFile string) error {
	if envFile != "" {
		a.v.SetConfigFile(envFile)
		a.v.SetConfigType("env")
		_ = a.v.ReadInConfig()
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger, a.closer = logging.New(logging.Options{
		Level:      cfg.Level(),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	a.db, err = bboltstorage.NewFromFile(cfg.DBPath(), &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open session storage: %w", err)
	}

	match, _ := cfg.EmailMatchPolicy()
	idle, _ := cfg.IdlePolicyValue()
	a.client, err = client.New(cfg.APIURL, a.db,
		client.WithLogger(a.logger),
		client.WithRefreshTimeout(cfg.RefreshTimeout),
		client.WithEmailMatch(match),
		client.WithIdlePolicy(idle),
	)
	if err != nil {
		return err
	}
	a.queue = syncqueue.New(a.db, a.client, a.client, a.client.Store(),
		syncqueue.WithLogger(a.logger),
		syncqueue.WithConcurrency(cfg.SyncConcurrency))

	// A failed restore has already logged out; the command decides what
	// that means for the user.
	if err := a.client.Hydrate(cmd.Context()); err != nil {
		a.logger.Info("session not restored", "error", err)
	}
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
		a.client = nil
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	if a.closer != nil {
		errs = append(errs, a.closer.Close())
		a.closer = nil
	}
	return errors.Join(errs...)
}

const sessionAnnotation = "sessionkeeper/session"

// withSession marks c as needing the session opened before it runs and
// releases everything afterwards, including when c fails.
func (a *app) withSession(c *cobra.Command) *cobra.Command {
	if c.Annotations == nil {
		c.Annotations = map[string]string{}
	}
	c.Annotations[sessionAnnotation] = "true"
	run := c.RunE
	c.RunE = func(cmd *cobra.Command, args []string) error {
		err := run(cmd, args)
		return errors.Join(err, a.close())
	}
	return c
}

// touch records a user interaction.
func (a *app) touch() {
	a.client.Tracker().RecordActivity()
}

func statusLine(s *session.Store) string {
	u := s.User()
	if u == nil {
		return s.Status().String()
	}
	return fmt.Sprintf("%s as %s <%s> (%s)", s.Status(), u.DisplayName, u.Email, u.Role)
}
