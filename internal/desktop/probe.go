// Package desktop provides the real screen, launcher and recovery backends
// the watchdog supervises the build agent with.
package desktop

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math/bits"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kbinani/screenshot"

	"github.com/neboloop/foreman/internal/plugins"
	"github.com/neboloop/foreman/internal/watchdog"
)

// ImagePlaceholder in an OCR argv is replaced with the screenshot path.
const ImagePlaceholder = "{image}"

// ProbeConfig configures a ScreenshotProbe.
type ProbeConfig struct {
	Display int
	// OCRCommand is an argv that prints the text of an image on stdout.
	// Empty disables text extraction and completion detection.
	OCRCommand []string
	// HashTolerance is the Hamming distance up to which two hashes are the
	// same screen.
	HashTolerance int
	Landmarks     []string
	// CrashLandmarks and LimitLandmarks mark a hung agent or an exhausted
	// model quota. Either one is a stall.
	CrashLandmarks []string
	LimitLandmarks []string
	// TempDir receives the screenshot handed to the OCR command.
	TempDir string
}

// ScreenshotProbe implements watchdog.Screen with a display capture, an
// average hash and an optional OCR pass.
type ScreenshotProbe struct {
	cfg       ProbeConfig
	landmarks []string
	crash     []string
	limit     []string
	capture   func() (image.Image, error)
}

// NewScreenshotProbe creates a probe of cfg.Display.
func NewScreenshotProbe(cfg ProbeConfig) *ScreenshotProbe {
	p := &ScreenshotProbe{
		cfg:       cfg,
		landmarks: normalizeAll(cfg.Landmarks),
		crash:     normalizeAll(cfg.CrashLandmarks),
		limit:     normalizeAll(cfg.LimitLandmarks),
	}
	p.capture = p.captureDisplay
	return p
}

func (p *ScreenshotProbe) captureDisplay() (image.Image, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, fmt.Errorf("no active displays")
	}
	if p.cfg.Display < 0 || p.cfg.Display >= n {
		return nil, fmt.Errorf("invalid display %d (available 0-%d)", p.cfg.Display, n-1)
	}
	img, err := screenshot.CaptureRect(screenshot.GetDisplayBounds(p.cfg.Display))
	if err != nil {
		return nil, fmt.Errorf("capture display %d: %w", p.cfg.Display, err)
	}
	return img, nil
}

// Probe captures the display once.
func (p *ScreenshotProbe) Probe(ctx context.Context) (watchdog.Snapshot, error) {
	img, err := p.capture()
	if err != nil {
		return watchdog.Snapshot{}, err
	}
	snap := watchdog.Snapshot{Hash: AverageHash(img), CapturedAt: time.Now()}
	if len(p.cfg.OCRCommand) == 0 {
		return snap, nil
	}
	text, err := p.ocr(ctx, img)
	if err != nil {
		return watchdog.Snapshot{}, err
	}
	snap.Text = plugins.Normalize(text)
	return snap, nil
}

func (p *ScreenshotProbe) ocr(ctx context.Context, img image.Image) (string, error) {
	f, err := os.CreateTemp(p.cfg.TempDir, "probe-*.png")
	if err != nil {
		return "", fmt.Errorf("create screenshot file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", fmt.Errorf("encode screenshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}

	argv := expandImage(p.cfg.OCRCommand, path)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ocr %s: %w: %s", filepath.Base(argv[0]), err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// expandImage substitutes the placeholder, or appends path when argv has none.
func expandImage(argv []string, path string) []string {
	out := make([]string, 0, len(argv)+1)
	found := false
	for _, a := range argv {
		if strings.Contains(a, ImagePlaceholder) {
			found = true
			a = strings.ReplaceAll(a, ImagePlaceholder, path)
		}
		out = append(out, a)
	}
	if !found {
		out = append(out, path)
	}
	return out
}

// Changed reports a visual change beyond the tolerance or different text.
func (p *ScreenshotProbe) Changed(prev, cur watchdog.Snapshot) bool {
	if HammingDistance(prev.Hash, cur.Hash) > p.cfg.HashTolerance {
		return true
	}
	return prev.Text != cur.Text
}

// Completed reports whether the OCR text contains a completion landmark.
func (p *ScreenshotProbe) Completed(cur watchdog.Snapshot) bool {
	_, ok := findLandmark(cur.Text, p.landmarks)
	return ok
}

// Stalled reports a crash or limit landmark in the OCR text.
func (p *ScreenshotProbe) Stalled(cur watchdog.Snapshot) (string, bool) {
	if l, ok := findLandmark(cur.Text, p.crash); ok {
		return l, true
	}
	return findLandmark(cur.Text, p.limit)
}

// findLandmark matches whole words of normalized text.
func findLandmark(text string, landmarks []string) (string, bool) {
	if text == "" {
		return "", false
	}
	padded := " " + text + " "
	for _, l := range landmarks {
		if strings.Contains(padded, " "+l+" ") {
			return l, true
		}
	}
	return "", false
}

func normalizeAll(in []string) []string {
	var out []string
	for _, l := range in {
		if n := plugins.Normalize(l); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// AverageHash is the 64-bit aHash of img: an 8x8 grayscale downscale where
// each bit is set when the cell is brighter than the mean.
func AverageHash(img image.Image) uint64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	var cells [64]float64
	for cy := 0; cy < 8; cy++ {
		y0, y1 := b.Min.Y+cy*h/8, b.Min.Y+(cy+1)*h/8
		if y1 == y0 {
			y1 = y0 + 1
		}
		for cx := 0; cx < 8; cx++ {
			x0, x1 := b.Min.X+cx*w/8, b.Min.X+(cx+1)*w/8
			if x1 == x0 {
				x1 = x0 + 1
			}
			var sum float64
			var n int
			for y := y0; y < y1 && y < b.Max.Y; y++ {
				for x := x0; x < x1 && x < b.Max.X; x++ {
					r, g, bl, _ := img.At(x, y).RGBA()
					sum += 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
					n++
				}
			}
			if n > 0 {
				cells[cy*8+cx] = sum / float64(n)
			}
		}
	}

	var mean float64
	for _, c := range cells {
		mean += c
	}
	mean /= 64

	var hash uint64
	for i, c := range cells {
		if c > mean {
			hash |= 1 << uint(63-i)
		}
	}
	return hash
}

// HammingDistance counts the differing bits of a and b.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
