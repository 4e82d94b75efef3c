package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/patchwork/pkg/config"
)

// exampleDefinition is written to a new workspace's components directory.
const exampleDefinition = `// Component definitions. Each component lists its installer and the
// upgrade patches that move it from one version to the next.
components: Example: {
	description: "Example component"
	patches: [{
		type:        "install"
		version:     "1.0"
		releaseDate: "2024-01-01"
		description: "initial install"
		after: {
			kind:   "starlark"
			script: "log('installed', component=component, version=version)"
		}
	}]
}
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a patchwork workspace",
		Long: `Initialize a new patchwork workspace with configuration, a components
directory and the package history database.`,
		Example: `  # Initialize the current directory
  patchwork init

  # Initialize another directory, overwriting its config
  patchwork init ./deploy --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			path := configPath
			if path == "" {
				path = filepath.Join(dir, config.DefaultConfigName+".yaml")
			}

			log.Info().
				Str("dir", dir).
				Str("config", path).
				Msg("Initializing workspace")

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			cfg := config.DefaultAppConfig()
			if err := cfg.WriteFile(path); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", path)

			componentsDir := filepath.Join(filepath.Dir(path), "components")
			if err := os.MkdirAll(componentsDir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", componentsDir, err)
			}
			fmt.Printf("✓ Created directory: %s\n", componentsDir)

			example := filepath.Join(componentsDir, "example.cue")
			if _, err := os.Stat(example); os.IsNotExist(err) {
				if err := os.WriteFile(example, []byte(exampleDefinition), 0o644); err != nil {
					return fmt.Errorf("failed to write example definition: %w", err)
				}
				fmt.Printf("✓ Created example definition: %s\n", example)
			}

			configPath = path
			ws, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close(cmd.Context())
			fmt.Printf("✓ Initialized SQLite database: %s\n", ws.cfg.DatabasePath())

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Describe your components in %s\n", componentsDir)
			fmt.Printf("  2. Preview the run:   patchwork simulate -c %s\n", path)
			fmt.Printf("  3. Run the patches:   patchwork start -c %s\n", path)

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
