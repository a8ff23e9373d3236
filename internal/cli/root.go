// Package cli implements vaultctl, the maintenance tool for a my-passwords
// store. It reads the same configuration as the server.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kirill-eremin-production/my-passwords/internal/config"
	"github.com/kirill-eremin-production/my-passwords/internal/encstore"
	"github.com/kirill-eremin-production/my-passwords/internal/logger"
	"github.com/kirill-eremin-production/my-passwords/internal/repository"
)

// errReported is returned by commands that already printed their failure.
var errReported = errors.New("failure reported")

type app struct {
	out       io.Writer
	lookupEnv func(string) (string, bool)
	now       func() time.Time

	configPath string
	backend    string
	dir        string
	dsn        string
	verbose    bool
}

// NewRootCmd builds the vaultctl command tree writing to out and reading the
// environment through lookupEnv.
func NewRootCmd(out io.Writer, lookupEnv func(string) (string, bool)) *cobra.Command {
	a := &app{out: out, lookupEnv: lookupEnv, now: time.Now}

	root := &cobra.Command{
		Use:   "vaultctl",
		Short: "Maintain a my-passwords store",
		Long: `Offline maintenance for the encrypted record store.

Configuration is resolved like the server's: config file, then environment
(FILE_ENCRYPTION_KEY, STORE_BACKEND, STORE_DIR, DATABASE_DSN, ...), then the
flags below.

Examples:
  # Refuse to deploy with the placeholder key
  vaultctl check-key

  # Show the on-disk format of every record
  vaultctl inspect --dir /var/lib/my-passwords

  # Rewrite legacy records in the current format
  vaultctl migrate sessions my-passwords`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "path to config file")
	pf.StringVar(&a.backend, "store", "", "storage backend: file, postgres or memory")
	pf.StringVar(&a.dir, "dir", "", "directory for the file backend")
	pf.StringVar(&a.dsn, "dsn", "", "postgres connection string")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log store operations")

	root.AddCommand(a.checkKeyCmd(), a.inspectCmd(), a.migrateCmd(), a.purgeSessionsCmd())
	return root
}

// Execute runs vaultctl with the process arguments and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd(os.Stdout, os.LookupEnv)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, failure.Sprint("error:"), err)
		}
		return 1
	}
	return 0
}

// options resolves the server configuration. Flags given to vaultctl take
// precedence over the environment.
func (a *app) options() (*config.Options, error) {
	overrides := map[string]string{}
	for name, value := range map[string]string{
		"CONFIG":        a.configPath,
		"STORE_BACKEND": a.backend,
		"STORE_DIR":     a.dir,
		"DATABASE_DSN":  a.dsn,
	} {
		if value != "" {
			overrides[name] = value
		}
	}
	lookup := func(name string) (string, bool) {
		if v, ok := overrides[name]; ok {
			return v, true
		}
		return a.lookupEnv(name)
	}
	return config.ParseArgs(nil, lookup)
}

func (a *app) logger() *zap.Logger {
	l := logger.New()
	if a.verbose {
		if err := l.Init("debug"); err != nil {
			return zap.NewNop()
		}
	}
	return l.Log
}

// store opens the configured backend. The caller closes the returned handle.
func (a *app) store() (*encstore.Store, *repository.Opened, *config.Options, error) {
	opts, err := a.options()
	if err != nil {
		return nil, nil, nil, err
	}
	backend, err := repository.Open(opts)
	if err != nil {
		return nil, nil, nil, err
	}
	store := encstore.New(opts.EncryptionKey, backend,
		encstore.WithIterations(opts.KDFIterations),
		encstore.WithLogger(a.logger()),
	)
	return store, backend, opts, nil
}

func (a *app) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format, args...)
}

func recordKeys(args []string) []string {
	if len(args) == 0 {
		return repository.Keys
	}
	return args
}
