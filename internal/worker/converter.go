package worker

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/brakerun/convoy/internal/protocol"
)

// Converter is the external image-conversion engine a worker drives per
// job. It is the one collaborator this package never implements itself —
// the actual WebP/format conversion is out of scope, same as the
// reference worker's ConversionJob delegating to its own external tool.
type Converter interface {
	// Convert reads inputPath, applies opts, and writes its output
	// files into outDir. It must return promptly after ctx is
	// cancelled rather than run the conversion to completion.
	Convert(ctx context.Context, inputPath, outDir string, opts protocol.FileOptions) error
}

// CLIConverter shells out to an external conversion binary, one process
// per job, the way CLIPar2 drives par2 — options are passed as a single
// JSON blob in the --options argument since the number of FileOptions
// fields makes one flag per field unwieldy.
type CLIConverter struct {
	BinaryPath string
}

func NewCLIConverter(binaryPath string) *CLIConverter {
	if binaryPath == "" {
		binaryPath = "convoy-convert"
	}
	return &CLIConverter{BinaryPath: binaryPath}
}

func (c *CLIConverter) Convert(ctx context.Context, inputPath, outDir string, opts protocol.FileOptions) error {
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("marshal conversion options: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.BinaryPath,
		"--input", inputPath,
		"--out-dir", outDir,
		"--options", string(optsJSON),
	)
	cmd.Dir = filepath.Dir(inputPath)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("convoy-convert failed: %w: %s", err, out)
	}
	return nil
}
