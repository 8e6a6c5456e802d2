package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pharmalens/backend/config"
	httpDelivery "github.com/pharmalens/backend/internal/delivery/http"
	"github.com/pharmalens/backend/internal/domain"
	"github.com/pharmalens/backend/internal/infrastructure/catalog"
	"github.com/pharmalens/backend/internal/platform/logger"
	"github.com/pharmalens/backend/internal/usecase"
)

const version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "pharmalens",
		Short: "PharmaLens - API buyer and manufacturer intelligence",
		Long: `PharmaLens finds the buyers and manufacturers of an active pharmaceutical
ingredient by querying catalogs, language models and web search, scores the
evidence and keeps one ranked record per company in PostgreSQL or SQLite.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("PharmaLens v%s\n", version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	})

	findCmd := &cobra.Command{
		Use:   "find",
		Short: "Run one aggregation and print the resulting records",
		RunE:  runFind,
	}
	findCmd.Flags().String("api", "", "Active ingredient name (required)")
	findCmd.Flags().String("country", "", "Country filter")
	findCmd.Flags().String("role", "", "buyer, manufacturer or empty for both")
	findCmd.Flags().Bool("known", false, "Print stored records without contacting sources")
	_ = findCmd.MarkFlagRequired("api")
	rootCmd.AddCommand(findCmd)

	importCmd := &cobra.Command{
		Use:   "import-catalog",
		Short: "Import a manufacturer catalog (CSV or YAML) into the database",
		RunE:  runImportCatalog,
	}
	importCmd.Flags().String("file", "", "Catalog file (defaults to sources.catalog.path)")
	rootCmd.AddCommand(importCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads configuration and the logger shared by every command
func bootstrap() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting PharmaLens backend",
		"version", version,
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
	)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	handler := httpDelivery.NewHandler(a.service, a.store, log)
	router := httpDelivery.SetupRouter(cfg, handler, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func runFind(cmd *cobra.Command, args []string) error {
	apiName, _ := cmd.Flags().GetString("api")
	country, _ := cmd.Flags().GetString("country")
	roleFlag, _ := cmd.Flags().GetString("role")
	knownOnly, _ := cmd.Flags().GetBool("known")

	role, ok := domain.ParseRole(roleFlag)
	if !ok {
		return fmt.Errorf("%w: unknown role %q", domain.ErrInvalidRequest, roleFlag)
	}

	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := usecase.NewQueryPreprocessor(log).Prepare(apiName, country, role)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	var records []domain.MergedRecord
	if knownOnly {
		records, err = a.service.Known(ctx, q)
		if err != nil {
			return err
		}
	} else {
		res, err := a.service.Search(ctx, q)
		if err != nil {
			return err
		}
		for _, o := range res.Sources {
			fmt.Fprintf(cmd.ErrOrStderr(), "source %-10s %-11s evidence=%d candidates=%d %s\n",
				o.Source, o.Status, o.Evidence, o.Candidates, o.Error)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "inserted=%d updated=%d backend=%s\n", res.Inserted, res.Updated, res.Backend)
		records = res.Records
	}

	return printRecords(cmd, records)
}

func printRecords(cmd *cobra.Command, records []domain.MergedRecord) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tCOMPANY\tCOUNTRY\tCONFIDENCE\tSOURCES\tUSDMF\tCEP\tFORM")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.Role, r.Company, r.Country, r.Confidence,
			strings.Join(r.SourceNames(), ","),
			r.Attributes.USDMF, r.Attributes.CEP, r.Attributes.Form,
		)
	}
	return w.Flush()
}

func runImportCatalog(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	file, _ := cmd.Flags().GetString("file")
	if file == "" {
		file = cfg.Sources.Catalog.Path
	}
	if file == "" {
		return fmt.Errorf("%w: --file or sources.catalog.path is required", domain.ErrInvalidRequest)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Load(file, log)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	changed, err := a.service.Ingest(ctx, cat.Evidence())
	if err != nil {
		return fmt.Errorf("import %s: %w", file, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %s: %d entries, %d records inserted or updated\n", file, cat.Len(), changed)
	return nil
}
