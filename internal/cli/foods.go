package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nutrisync/internal/domain"
)

// externalFood is one line of an external catalog export.
type externalFood struct {
	Code string `json:"codigo"`
	Name string `json:"nome"`
	domain.Nutrients
}

// NewFoodsCommand groups the external food catalog commands.
func NewFoodsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foods",
		Short: "Manage the shared external food catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.json>",
		Short: "Upsert catalog entries from a JSON array (per 100 g nutrients)",
		Long: `Upsert external catalog entries. The file holds a JSON array of
{"codigo", "nome", "calorias", "proteinas", "carboidratos", "gorduras", "fibras"}.
Use "-" to read from stdin.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.Database.URL == "" {
				return errors.New("database.url is required")
			}
			db, closeDB, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			n, err := importFoods(cmd.Context(), db, in)
			if err != nil {
				return err
			}
			logger.Info("external foods imported", zap.Int("count", n))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d foods imported\n", n)
			return err
		},
	})
	return cmd
}

type foodWriter interface {
	PutExternalFood(ctx context.Context, f domain.Food) error
}

func importFoods(ctx context.Context, w foodWriter, r io.Reader) (int, error) {
	var items []externalFood
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return 0, fmt.Errorf("invalid catalog file: %w", err)
	}
	for i, it := range items {
		code := strings.TrimSpace(it.Code)
		if code == "" || strings.TrimSpace(it.Name) == "" {
			return i, fmt.Errorf("item %d: codigo and nome are required", i)
		}
		if err := w.PutExternalFood(ctx, domain.Food{
			ID:      code,
			Code:    code,
			Name:    it.Name,
			Source:  domain.SourceExternal,
			Per100g: it.Nutrients,
		}); err != nil {
			return i, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return len(items), nil
}
