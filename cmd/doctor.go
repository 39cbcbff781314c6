package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/tendril/internal/config"
	"github.com/CanopyHQ/tendril/internal/edgestore"
	"github.com/CanopyHQ/tendril/internal/identity"
	"github.com/CanopyHQ/tendril/internal/search"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose common setup issues",
	Long: `Diagnose common setup issues and optionally fix them.

Examples:
  tendril doctor        # check for issues
  tendril doctor --fix  # check and auto-fix issues`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fix, _ := cmd.Flags().GetBool("fix")
		return runDoctor(cmd.Context(), fix)
	},
}

func init() {
	doctorCmd.Flags().Bool("fix", false, "Attempt to automatically fix issues")
}

// redact returns the first n and last n chars of s, or "***" if too short.
func redact(s string, n int) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= n*2 {
		return "***"
	}
	return s[:n] + "..." + s[len(s)-n:]
}

// runDoctor diagnoses common setup issues
func runDoctor(ctx context.Context, fix bool) error {
	fmt.Println("🔍 Tendril Doctor - Diagnosing Setup")
	if fix {
		fmt.Println("🛠️  Auto-fix enabled")
	}
	fmt.Println()

	issues := 0
	warnings := 0
	fixed := 0

	// 1. Configuration
	fmt.Print("✓ Checking configuration... ")
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("❌ FAILED")
		fmt.Printf("  Issue: %v\n", err)
		return fmt.Errorf("found 1 critical issue(s)")
	}
	setupLogging(cfg.LogLevel)
	fmt.Printf("✅ OK (store: %s)\n", cfg.StoreBackend)
	if cfg.StoreBackend == "redis" {
		fmt.Printf("  Redis URL: %s\n", redact(cfg.RedisURL, 8))
	}

	// 2. Data directory
	fmt.Print("✓ Checking data directory... ")
	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		if fix {
			fmt.Print("🛠️  Creating... ")
			if err := cfg.EnsureDataDir(); err != nil {
				fmt.Printf("❌ FAILED: %v\n", err)
				issues++
			} else {
				fmt.Println("✅ FIXED")
				fixed++
			}
		} else {
			fmt.Println("⚠️  WARNING")
			fmt.Printf("  Data directory does not exist: %s\n", cfg.DataDir)
			fmt.Println("  It will be created on first run")
			warnings++
		}
	} else {
		fmt.Printf("✅ OK (%s)\n", cfg.DataDir)
	}

	// 3. Identity key
	fmt.Print("✓ Checking identity key... ")
	var id *identity.Identity
	if _, err := os.Stat(cfg.IdentityPath()); os.IsNotExist(err) {
		if fix {
			fmt.Print("🛠️  Generating... ")
			if err := cfg.EnsureDataDir(); err != nil {
				fmt.Printf("❌ FAILED: %v\n", err)
				issues++
			} else if id, err = identity.LoadOrCreate(cfg.IdentityPath()); err != nil {
				fmt.Printf("❌ FAILED: %v\n", err)
				issues++
			} else {
				fmt.Println("✅ FIXED")
				fixed++
			}
		} else {
			fmt.Println("⚠️  WARNING")
			fmt.Printf("  Identity key not found: %s\n", cfg.IdentityPath())
			fmt.Println("  It will be generated on first run")
			warnings++
		}
	} else if id, err = identity.LoadOrCreate(cfg.IdentityPath()); err != nil {
		fmt.Println("❌ FAILED")
		fmt.Printf("  Issue: %v\n", err)
		issues++
	} else {
		fmt.Printf("✅ OK (%s)\n", redact(string(id.Address()), 6))
	}

	// 4. Store
	fmt.Print("✓ Checking store... ")
	if id == nil {
		fmt.Println("⚠️  SKIPPED (no identity)")
	} else if _, err := os.Stat(cfg.DataDir); cfg.StoreBackend == "sqlite" && os.IsNotExist(err) {
		fmt.Println("⚠️  SKIPPED (no data directory)")
	} else {
		store, err := edgestore.Open(config.WithContext(ctx, cfg), cfg.StoreBackend, id.Address())
		if err != nil {
			fmt.Println("❌ FAILED")
			fmt.Printf("  Issue: %v\n", err)
			issues++
		} else {
			st, err := store.Stats(ctx)
			store.Close()
			if err != nil {
				fmt.Println("❌ FAILED")
				fmt.Printf("  Issue: %v\n", err)
				issues++
			} else {
				fmt.Printf("✅ OK (%d entries, %d links)\n", st.Entries, st.Links)
			}
		}
	}

	// 5. Vector search
	fmt.Print("✓ Checking sqlite-vec... ")
	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		fmt.Println("⚠️  SKIPPED (no data directory)")
	} else {
		idx, err := search.Open(ctx, cfg.SearchPath(), nil)
		if err != nil {
			fmt.Println("❌ FAILED")
			fmt.Printf("  Issue: %v\n", err)
			issues++
		} else {
			if idx.VecAvailable() {
				fmt.Println("✅ OK")
			} else {
				fmt.Println("⚠️  WARNING")
				fmt.Println("  sqlite-vec unavailable; search falls back to a linear scan")
				warnings++
			}
			idx.Close()
		}
	}

	// 6. Environment
	fmt.Printf("✓ Checking environment... ✅ OK (%s/%s)\n", runtime.GOOS, runtime.GOARCH)

	// Summary
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if issues == 0 && warnings == 0 {
		fmt.Println("✅ All checks passed! Tendril is ready to use.")
	} else {
		if fixed > 0 {
			fmt.Printf("🛠️  Auto-fixed %d issue(s)\n", fixed)
		}
		if issues > 0 {
			fmt.Printf("❌ Found %d critical issue(s)\n", issues)
		}
		if warnings > 0 {
			fmt.Printf("⚠️  Found %d warning(s)\n", warnings)
		}
		fmt.Println()
		fmt.Println("Run the suggested fixes above to resolve issues.")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	if issues > 0 {
		return fmt.Errorf("found %d critical issue(s)", issues)
	}
	return nil
}
