package commands

import (
	"fmt"
	"strconv"

	"github.com/dyluth/mosaic/internal/config"
	"github.com/dyluth/mosaic/internal/printer"
	"github.com/spf13/cobra"
)

var canvasesConfigPath string

var canvasesCmd = &cobra.Command{
	Use:   "canvases",
	Short: "List configured canvases",
	Long: `Validate mosaic.yml and list the canvases it defines.

Examples:
  mosaic canvases
  mosaic canvases --config /etc/mosaic/mosaic.yml`,
	RunE: runCanvases,
}

func init() {
	canvasesCmd.Flags().StringVarP(&canvasesConfigPath, "config", "c", "mosaic.yml", "Path to mosaic.yml")
	rootCmd.AddCommand(canvasesCmd)
}

func runCanvases(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(canvasesConfigPath)
	if err != nil {
		return printer.Error(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": canvasesConfigPath},
		)
	}

	return printer.Table(canvasHeader, canvasRows(cfg))
}

var canvasHeader = []string{"ID", "NAME", "SIZE", "CHUNKS", "PALETTE", "COOLDOWN", "STACK", "ACCESS"}

func canvasRows(cfg *config.MosaicConfig) [][]string {
	rows := make([][]string, 0, len(cfg.Canvases))
	for _, id := range cfg.CanvasIDs() {
		d := cfg.Canvases[id]

		access := "open"
		switch {
		case d.RequiresAuth && d.RequiredPixels > 0:
			access = fmt.Sprintf("auth, %d px", d.RequiredPixels)
		case d.RequiresAuth:
			access = "auth"
		case d.RequiredPixels > 0:
			access = fmt.Sprintf("%d px", d.RequiredPixels)
		}

		rows = append(rows, []string{
			strconv.Itoa(int(id)),
			d.Name,
			fmt.Sprintf("%dx%d", d.Size, d.Size),
			strconv.Itoa(d.ChunksPerSide() * d.ChunksPerSide()),
			fmt.Sprintf("%d (unset < %d)", d.PaletteSize, d.ClrIgnore),
			fmt.Sprintf("%dms/%dms", d.BaseCooldownMs, d.PerPixelCooldownMs),
			strconv.Itoa(d.CooldownStackCap),
			access,
		})
	}
	return rows
}
