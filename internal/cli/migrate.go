package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/franzego/notifygateway/internal/store"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the notifications schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeouts.Operation*10)
			defer cancel()

			s, err := store.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			log.Info().Str("driver", cfg.Database.Driver).Msg("schema applied")
			return nil
		},
	}
}
