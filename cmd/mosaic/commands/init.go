package commands

import (
	"github.com/dyluth/mosaic/internal/printer"
	"github.com/dyluth/mosaic/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	forceInit bool
	initDir   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter mosaic.yml",
	Long: `Create a starter mosaic.yml with one 4096x4096 canvas and default timings.

Use --force to overwrite an existing mosaic.yml.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing mosaic.yml")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write mosaic.yml into")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := scaffold.Initialize(initDir, forceInit)
	if err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}

	printer.Success("Created %s\n", path)
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Adjust canvases and cooldowns in %s\n", path)
	printer.Info("  2. Run 'mosaic serve --config %s'\n", path)
	return nil
}
