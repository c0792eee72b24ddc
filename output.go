package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"diffusion_backend/core"
	"diffusion_backend/sdruntime"
	"diffusion_backend/shutdown"
)

// maxParallelWrites bounds concurrent PNG writes.
const maxParallelWrites = 4

// outputFile is one PNG to write.
type outputFile struct {
	Path string
	Data []byte
}

// writtenFile reports a finished write.
type writtenFile struct {
	Path string
	Size string
}

// outputFiles names the final images <run>_<n>.png and the step images
// <run>_step<index>_<n>.png, where <run> is the first eight characters of
// the run ID.
func outputFiles(dir string, result *sdruntime.GenerateResult) []outputFile {
	prefix := result.RunID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	var files []outputFile
	for _, step := range result.Steps {
		for n, data := range step.Images {
			name := fmt.Sprintf("%s_step%03d_%d.png", prefix, step.Index, n)
			files = append(files, outputFile{Path: filepath.Join(dir, name), Data: data})
		}
	}
	for n, data := range result.Images {
		name := fmt.Sprintf("%s_%d.png", prefix, n)
		files = append(files, outputFile{Path: filepath.Join(dir, name), Data: data})
	}
	return files
}

// writeImages writes files concurrently. Each file is written under a
// shutdown.TempSuffix name and renamed, so a reader never sees a partial
// PNG. Results keep the order of files.
func writeImages(ctx context.Context, files []outputFile) ([]writtenFile, error) {
	written := make([]writtenFile, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelWrites)
	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := writeFileAtomic(f.Path, f.Data); err != nil {
				return err
			}
			written[i] = writtenFile{Path: f.Path, Size: core.FormatBytes(int64(len(f.Data)))}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return written, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp := path + shutdown.TempSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
