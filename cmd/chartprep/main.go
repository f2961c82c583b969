package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"stealthcompany.com/chartprep/internal/chart"
	"stealthcompany.com/chartprep/internal/metrics"
	"stealthcompany.com/chartprep/internal/opsapi"
	"stealthcompany.com/chartprep/internal/orchestrator"
)

type loader func(ctx context.Context) (*application, error)

func main() {
	ctx, cancel := orchestrator.WithShutdown(context.Background())
	defer cancel()

	if err := newRootCmd(loadApplication).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd(load loader) *cobra.Command {
	var source string

	rootCmd := &cobra.Command{
		Use:           "chartprep",
		Short:         "Read normalized patient charts from FHIR sources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&source, "source", "s", "", "Source id (defaults to DEFAULT_SOURCE)")

	// run loads the application and hands it to fn, closing it afterwards
	run := func(fn func(cmd *cobra.Command, args []string, app *application) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			app, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			return fn(cmd, args, app)
		}
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, app *application) error {
			return printJSON(cmd, app.service.ListSources())
		}),
	})

	practitionersCmd := &cobra.Command{
		Use:   "practitioners",
		Short: "Search practitioners",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, app *application) error {
			count, _ := cmd.Flags().GetInt("count")
			practitioners, err := app.service.SearchPractitioners(cmd.Context(), source, count)
			if err != nil {
				return err
			}
			return printJSON(cmd, practitioners)
		}),
	}
	practitionersCmd.Flags().Int("count", chart.DefaultSearchCount, "Maximum number of practitioners")
	rootCmd.AddCommand(practitionersCmd)

	patientsCmd := &cobra.Command{
		Use:   "patients",
		Short: "Search patients, optionally those seen by one practitioner",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, app *application) error {
			count, _ := cmd.Flags().GetInt("count")
			practitioner, _ := cmd.Flags().GetString("practitioner")
			patients, err := app.service.SearchPatients(cmd.Context(), source, count, practitioner)
			if err != nil {
				return err
			}
			return printJSON(cmd, patients)
		}),
	}
	patientsCmd.Flags().Int("count", chart.DefaultSearchCount, "Maximum number of patients")
	patientsCmd.Flags().String("practitioner", "", "Only patients with encounters with this practitioner id")
	rootCmd.AddCommand(patientsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "patient <id>",
		Short: "Show one patient",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, app *application) error {
			patient, err := app.service.GetPatient(cmd.Context(), source, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, patient)
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "bundle <patient-id>",
		Short: "Assemble the chart bundle for one patient",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, app *application) error {
			bundle, err := app.service.GetPatientBundle(cmd.Context(), source, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, bundle)
		}),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the ops server (metrics, health, sources) until interrupted",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, app *application) error {
			ctx := cmd.Context()

			metrics.StartSystemMetrics(ctx, app.cfg.SystemMetricsInterval)

			router := opsapi.SetupRoutes(app.service, opsapi.Info{
				Environment:  app.cfg.Env,
				AuditEnabled: app.audit != nil,
			})

			start := time.Now()
			err := orchestrator.NewServiceManager(":"+app.cfg.OpsPort, router).Run(ctx)
			log.Info().Dur("uptime", time.Since(start)).Msg("chartprep stopped")
			return err
		}),
	})

	return rootCmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
