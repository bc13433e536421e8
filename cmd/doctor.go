package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/ariaengine/aria/internal/config"
	"github.com/ariaengine/aria/internal/providers"
	"github.com/ariaengine/aria/internal/store/pg"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("aria doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Database.
	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.DSN == "" {
		fmt.Printf("    %-12s DATABASE_URL not set\n", "Status:")
	} else if db, dbErr := pg.Open(ctx, cfg.Database.DSN); dbErr != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", dbErr)
	} else {
		fmt.Printf("    %-12s OK\n", "Status:")
		db.Close()
	}

	// LiteLLM gateway.
	fmt.Println()
	fmt.Println("  LiteLLM:")
	fmt.Printf("    %-12s %s\n", "Base URL:", cfg.LiteLLM.BaseURL)
	checkSecret("Master key", cfg.LiteLLM.MasterKey)
	catalog, catErr := providers.LoadCatalog(config.ExpandHome(cfg.Models.CatalogPath))
	provider := providers.NewLiteLLM(cfg.LiteLLM.BaseURL, cfg.LiteLLM.MasterKey, catalog)
	if provider.Healthy(ctx) {
		fmt.Printf("    %-12s OK\n", "Health:")
	} else {
		fmt.Printf("    %-12s UNREACHABLE\n", "Health:")
	}

	// Model catalog.
	fmt.Println()
	fmt.Printf("  Catalog:  %s", cfg.Models.CatalogPath)
	if catErr != nil {
		fmt.Println(" (NOT FOUND, aliases resolve verbatim)")
	} else {
		fmt.Printf(" (OK, chain: %v)\n", catalog.Chain())
		catalog.Close()
	}

	// Souls directory.
	souls := config.ExpandHome(cfg.Souls.Dir)
	fmt.Printf("  Souls:    %s", souls)
	if _, err := os.Stat(souls); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	// API keys.
	fmt.Println()
	fmt.Println("  Keys:")
	checkSecret("API key", cfg.Server.APIKey)
	checkSecret("Admin key", cfg.Server.AdminKey)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := value
	if len(masked) > 8 {
		masked = masked[:4] + "…" + masked[len(masked)-4:]
	} else {
		masked = "***"
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}
