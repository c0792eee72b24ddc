package shutdown

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"diffusion_backend/core"
	"diffusion_backend/logging"
)

// TempSuffix marks an output file that is still being written.
const TempSuffix = ".tmp"

// CleanupTempOutputs returns a handler that removes partial "*.tmp" files
// left in outputDir by interrupted writes. Failures are logged and never
// block shutdown.
func CleanupTempOutputs(logger *logging.Logger, outputDir string) core.ShutdownFunc {
	return func(ctx context.Context) error {
		removed, failed := removeTempOutputs(ctx, logger, outputDir)
		if removed > 0 || failed > 0 {
			logger.Info("removed partial outputs",
				zap.String("directory", outputDir),
				zap.Int("removed", removed),
				zap.Int("failed", failed))
		}
		return nil
	}
}

func removeTempOutputs(ctx context.Context, logger *logging.Logger, outputDir string) (removed, failed int) {
	matches, err := filepath.Glob(filepath.Join(outputDir, "*"+TempSuffix))
	if err != nil {
		logger.Warn("failed to list partial outputs", zap.String("directory", outputDir), zap.Error(err))
		return 0, 0
	}
	for _, path := range matches {
		if ctx.Err() != nil {
			logger.Warn("shutdown deadline reached during output cleanup",
				zap.Int("remaining", len(matches)-removed-failed))
			return removed, failed
		}
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := os.Remove(path); err != nil {
			failed++
			logger.Warn("failed to remove partial output", zap.String("file", filepath.Base(path)), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, failed
}
