package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/registry"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a dispatch project",
	Long: `Initialize a dispatch project in the current directory.
Writes .dispatch.yaml and a worker catalog at .dispatch/workers.yaml seeded
with the built-in workers.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing configuration")
}

func runInit(_ *cobra.Command, _ []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	configPath := filepath.Join(cwd, ".dispatch.yaml")
	wrote, err := config.WriteDefault(configPath, initForce)
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if !wrote {
		return fmt.Errorf("configuration already exists, use --force to overwrite")
	}

	catalogPath := filepath.Join(cwd, ".dispatch", "workers.yaml")
	if _, err := os.Stat(catalogPath); err != nil || initForce {
		if err := config.AtomicWrite(catalogPath, registry.DefaultCatalogYAML()); err != nil {
			return fmt.Errorf("writing worker catalog: %w", err)
		}
	}

	if !quiet {
		fmt.Println("Initialized dispatch project:")
		fmt.Printf("  config:  %s\n", configPath)
		fmt.Printf("  catalog: %s\n", catalogPath)
		fmt.Println()
		fmt.Println("Edit the catalog to point workers at your own commands, then try:")
		fmt.Println(`  dispatch route "@requirements-analyst review the auth module"`)
	}
	return nil
}
