package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/mosaic/internal/predictor"
	"github.com/dyluth/mosaic/internal/printer"
	"github.com/dyluth/mosaic/internal/server"
	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/pierrec/lz4/v4"
	"github.com/spf13/cobra"
)

var (
	placeURL     string
	placeCanvas  uint8
	placePixels  []string
	placeUser    string
	placeCountry string
	placeTimeout time.Duration
)

var placeCmd = &cobra.Command{
	Use:   "place",
	Short: "Place pixels through a running shard",
	Long: `Place one or more pixels of a single chunk through a shard's websocket.

Pixels are given as x,y,color in canvas coordinates and must all fall in the
same 256x256 chunk. The command waits for the shard's answer and for the
broadcast confirming each pixel, then reports the outcome.

The user and country headers are only honoured by shards running with
server.trust_proxy enabled.

Examples:
  mosaic place --pixel 10,20,5
  mosaic place --url http://shard-b:8080 --canvas 1 --pixel 0,0,3 --pixel 1,0,3
  mosaic place --user alice --country FR --pixel 300,40,7`,
	RunE: runPlace,
}

func init() {
	placeCmd.Flags().StringVarP(&placeURL, "url", "u", "http://localhost:8080", "Base URL of a shard")
	placeCmd.Flags().Uint8VarP(&placeCanvas, "canvas", "c", 0, "Canvas id")
	placeCmd.Flags().StringArrayVarP(&placePixels, "pixel", "p", nil, "Pixel as x,y,color (repeatable)")
	placeCmd.Flags().StringVar(&placeUser, "user", "", "User id sent in the "+server.HeaderUser+" header")
	placeCmd.Flags().StringVar(&placeCountry, "country", "", "Country code sent in the "+server.HeaderCountry+" header")
	placeCmd.Flags().DurationVar(&placeTimeout, "timeout", 5*time.Second, "How long to wait for the shard's answer")
	placeCmd.MarkFlagRequired("pixel")
	rootCmd.AddCommand(placeCmd)
}

func runPlace(cmd *cobra.Command, args []string) error {
	ref, pixels, err := parsePixels(placeCanvas, placePixels)
	if err != nil {
		return printer.Error(
			"invalid pixels",
			err.Error(),
			nil,
			"Give each pixel as --pixel x,y,color within one 256x256 chunk",
		)
	}

	base, err := url.Parse(placeURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return printer.Error(
			"invalid shard URL",
			fmt.Sprintf("Expected an http(s) URL, got '%s'", placeURL),
			nil,
			"Example: --url http://localhost:8080",
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), placeTimeout+5*time.Second)
	defer cancel()

	previous, err := previousColors(ctx, base, ref, pixels)
	if err != nil {
		printer.Warning("Could not read current colors, rollback will restore color 0: %v\n", err)
		previous = make([]uint8, len(pixels))
	}

	header := http.Header{}
	if placeUser != "" {
		header.Set(server.HeaderUser, placeUser)
	}
	if placeCountry != "" {
		header.Set(server.HeaderCountry, placeCountry)
	}

	client, err := server.Dial(ctx, wsURL(base), header, placeCanvas)
	if err != nil {
		return printer.Error(
			"connection failed",
			err.Error(),
			map[string]string{"URL": placeURL},
			"Check the shard is running:\n  curl "+strings.TrimRight(placeURL, "/")+"/healthz",
		)
	}
	defer client.Close()

	view := newPixelView()
	outcome := client.Place(ctx, ref, pixels, previous, view, placeTimeout)

	if outcome.Result != nil {
		printer.Placement(outcome.Result)
	}

	var rejected *predictor.RejectedError
	switch {
	case outcome.Err == nil:
		return nil
	case errors.As(outcome.Err, &rejected):
		view.printReverted(ref)
		return fmt.Errorf("placement rejected: %s", rejected.Status)
	case errors.Is(outcome.Err, predictor.ErrTimeout):
		view.printReverted(ref)
		return printer.Error(
			"placement timed out",
			fmt.Sprintf("No answer from the shard within %s.", placeTimeout),
			map[string]string{"URL": placeURL},
			"Retry with a longer --timeout",
		)
	default:
		return printer.Error("placement failed", outcome.Err.Error(), map[string]string{"URL": placeURL})
	}
}

// parsePixels parses x,y,color triples on canvasID and checks they share a chunk.
func parsePixels(canvasID uint8, args []string) (canvas.ChunkRef, []canvas.Pixel, error) {
	var ref canvas.ChunkRef
	if len(args) == 0 {
		return ref, nil, fmt.Errorf("no pixels given")
	}

	pixels := make([]canvas.Pixel, 0, len(args))
	for i, arg := range args {
		parts := strings.Split(arg, ",")
		if len(parts) != 3 {
			return ref, nil, fmt.Errorf("pixel '%s': expected x,y,color", arg)
		}
		x, errX := strconv.Atoi(strings.TrimSpace(parts[0]))
		y, errY := strconv.Atoi(strings.TrimSpace(parts[1]))
		color, errC := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 8)
		if errX != nil || errY != nil || errC != nil {
			return ref, nil, fmt.Errorf("pixel '%s': expected integers", arg)
		}
		if x < 0 || y < 0 || x >= canvas.TileSize*256 || y >= canvas.TileSize*256 {
			return ref, nil, fmt.Errorf("pixel '%s': coordinates out of range", arg)
		}

		r, offset := canvas.ChunkRefAt(canvasID, x, y)
		if i == 0 {
			ref = r
		} else if r != ref {
			return ref, nil, fmt.Errorf("pixel '%s' is in chunk %s, expected %s", arg, r, ref)
		}
		pixels = append(pixels, canvas.Pixel{Offset: offset, Color: uint8(color)})
	}
	return ref, pixels, nil
}

// previousColors downloads ref and returns the current color of each pixel.
func previousColors(ctx context.Context, base *url.URL, ref canvas.ChunkRef, pixels []canvas.Pixel) ([]uint8, error) {
	u := base.JoinPath("chunks", strconv.Itoa(int(ref.CanvasID)), strconv.Itoa(int(ref.I)), strconv.Itoa(int(ref.J)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", server.EncodingLZ4)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", u, resp.Status)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == server.EncodingLZ4 {
		body = lz4.NewReader(resp.Body)
	}
	data, err := io.ReadAll(io.LimitReader(body, canvas.ChunkBytes))
	if err != nil {
		return nil, err
	}

	previous := make([]uint8, len(pixels))
	for i, px := range pixels {
		if int(px.Offset) < len(data) {
			previous[i] = canvas.ColorOf(data[px.Offset])
		}
	}
	return previous, nil
}

func wsURL(base *url.URL) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.JoinPath("ws").String()
}

// pixelView is the local picture the predictor paints on. It implements
// predictor.Renderer.
type pixelView struct {
	colors   map[uint16]uint8
	reverted []uint16
}

func newPixelView() *pixelView {
	return &pixelView{colors: make(map[uint16]uint8)}
}

func (v *pixelView) SetPixel(ref canvas.ChunkRef, offset uint16, color uint8) {
	if _, seen := v.colors[offset]; seen {
		v.reverted = append(v.reverted, offset)
	}
	v.colors[offset] = color
}

func (v *pixelView) printReverted(ref canvas.ChunkRef) {
	for _, offset := range v.reverted {
		x := int(ref.I)*canvas.TileSize + int(offset)%canvas.TileSize
		y := int(ref.J)*canvas.TileSize + int(offset)/canvas.TileSize
		printer.Info("  reverted (%d,%d) to color %d\n", x, y, v.colors[offset])
	}
}
