package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/intelmercado/enrich-cli/internal/generate"
	"github.com/intelmercado/enrich-cli/internal/model"
)

var (
	genMarket    string
	genKind      string
	genRole      string
	genCount     int
	genWorkspace string
	genExclude   []string
	genDryPrint  bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one uniqueness-guaranteed generation for a market",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if genMarket == "" {
			return eris.New("--market is required")
		}

		kind := model.CandidateKind(genKind)
		if kind != model.KindCompetitor && kind != model.KindLead {
			return eris.Errorf("unknown kind %q (competitor|lead)", genKind)
		}
		var role model.LeadRole
		if kind == model.KindLead {
			role = model.LeadRole(genRole)
			switch role {
			case model.RoleSupplier, model.RoleDistributor, model.RolePartner:
			default:
				return eris.Errorf("unknown role %q (supplier|distributor|partner)", genRole)
			}
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Engine.GenerateUnique(ctx, generate.UniqueParams{
			Market:      genMarket,
			Kind:        kind,
			Role:        role,
			TargetCount: genCount,
			WorkspaceID: genWorkspace,
			Exclusions:  genExclude,
		})
		if err != nil {
			return eris.Wrap(err, "generate")
		}

		if !genDryPrint && len(result.Candidates) > 0 {
			if _, err := env.Store.UpsertCompanies(ctx, result.Candidates); err != nil {
				return eris.Wrap(err, "persist candidates")
			}
		}

		zap.L().Info("generation complete",
			zap.Int("accepted", len(result.Candidates)),
			zap.Int("attempts", result.Attempts),
			zap.Int("generated", result.Generated),
			zap.Int("rejected", result.Rejected),
			zap.Int("shortfall", result.Shortfall),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Candidates)
	},
}

func init() {
	generateCmd.Flags().StringVar(&genMarket, "market", "", "target market description")
	generateCmd.Flags().StringVar(&genKind, "kind", "competitor", "candidate kind (competitor|lead)")
	generateCmd.Flags().StringVar(&genRole, "role", "partner", "lead role (supplier|distributor|partner)")
	generateCmd.Flags().IntVar(&genCount, "count", 5, "target number of unique candidates")
	generateCmd.Flags().StringVar(&genWorkspace, "workspace", "default", "workspace scope for uniqueness")
	generateCmd.Flags().StringSliceVar(&genExclude, "exclude", nil, "names to exclude from this run")
	generateCmd.Flags().BoolVar(&genDryPrint, "dry-run", false, "print candidates without persisting them")
	rootCmd.AddCommand(generateCmd)
}
