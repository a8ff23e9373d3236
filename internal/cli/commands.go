package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/kirill-eremin-production/my-passwords/internal/encstore"
	"github.com/kirill-eremin-production/my-passwords/internal/repository"
)

func (a *app) checkKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-key",
		Short: "Check that FILE_ENCRYPTION_KEY is strong enough",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.options()
			if err != nil {
				return err
			}
			if err := opts.KeyProblem(); err != nil {
				a.printf("%s %v\n", failure.Sprint("✗"), err)
				if !opts.IsProduction() {
					a.printf("%s\n", muted.Sprint("the server starts with a warning outside production"))
				}
				return errReported
			}
			a.printf("%s encryption key is acceptable\n", success.Sprint("✓"))
			return nil
		},
	}
}

func (a *app) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [key...]",
		Short: "Show the stored format of records without decrypting them",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, backend, _, err := a.store()
			if err != nil {
				return err
			}
			defer backend.Close()

			failed := false
			for _, k := range recordKeys(args) {
				info, err := store.Inspect(cmd.Context(), k)
				switch {
				case errors.Is(err, encstore.ErrNotExist):
					a.printf("%s %s\n", highlight.Sprint(k), muted.Sprint("absent"))
				case err != nil:
					failed = true
					a.printf("%s %s %v\n", failure.Sprint("✗"), highlight.Sprint(k), err)
				default:
					a.printInfo(info)
				}
			}
			if failed {
				return errReported
			}
			return nil
		},
	}
}

func (a *app) printInfo(info encstore.Info) {
	state := success.Sprint(info.Format)
	if info.Format != encstore.CurrentFormat {
		state = warning.Sprint(info.Format, " (needs migration)")
	}
	algorithm := info.Algorithm
	if algorithm == "" {
		algorithm = "plaintext"
	}
	a.printf("%s %s %s", highlight.Sprint(info.Key), state, algorithm)
	if info.Iterations > 0 {
		a.printf(" %d iterations", info.Iterations)
	}
	if !info.WrittenAt.IsZero() {
		a.printf(" written %s", info.WrittenAt.UTC().Format("2006-01-02 15:04:05"))
	}
	a.printf(" %d bytes\n", info.Size)
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [key...]",
		Short: "Rewrite legacy records in the current format",
		Long: `Rewrite legacy records in the current format. A raw backup of every
migrated record is kept by the backend. Records that are already current are
left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, backend, opts, err := a.store()
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := opts.KeyProblem(); err != nil {
				a.printf("%s %v\n", warning.Sprint("!"), err)
			}

			failed := false
			for _, k := range recordKeys(args) {
				migrated, err := store.Migrate(cmd.Context(), k)
				switch {
				case err != nil:
					failed = true
					a.printf("%s %s %v\n", failure.Sprint("✗"), highlight.Sprint(k), err)
				case migrated:
					a.printf("%s %s migrated to %s\n", success.Sprint("✓"), highlight.Sprint(k), encstore.CurrentFormat)
				default:
					a.printf("%s %s %s\n", success.Sprint("✓"), highlight.Sprint(k), muted.Sprint("already current"))
				}
			}
			if failed {
				return errReported
			}
			return nil
		},
	}
}

func (a *app) purgeSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-sessions",
		Short: "Delete expired sessions and unanswered challenges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, backend, opts, err := a.store()
			if err != nil {
				return err
			}
			defer backend.Close()

			ctx := cmd.Context()
			now := a.now()
			sessions := repository.NewSessionRepository(store)
			removed, err := sessions.DeleteExpired(ctx, now, opts.SessionTTL.Std())
			if err != nil {
				return err
			}
			challenges, err := repository.NewBiometricRepository(store).DeleteExpiredChallenges(ctx, now, opts.ChallengeTTL.Std())
			if err != nil {
				return err
			}
			left, err := sessions.Count(ctx)
			if err != nil {
				return err
			}

			a.printf("%s removed %d expired sessions and %d challenges %s\n",
				success.Sprint("✓"), removed, challenges, muted.Sprint(left, " sessions left"))
			return nil
		},
	}
}
