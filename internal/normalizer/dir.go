package normalizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/metrics"
	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

var yearDir = regexp.MustCompile(`^\d{4}$`)

// DirStats summarizes a directory walk.
type DirStats struct {
	Files  int
	Failed int
	Rows   int
}

// FileFunc receives the rows of each normalized file.
type FileFunc func(ctx context.Context, path string, rows []trading.Result) error

// NormalizeDir walks <root>/<year>/* in lexical order. File-level failures are logged and
// counted; an error from fn or cancellation stops the walk.
func (n *Normalizer) NormalizeDir(ctx context.Context, root string, fn FileFunc) (DirStats, error) {
	var stats DirStats

	years, err := os.ReadDir(root)
	if err != nil {
		return stats, fmt.Errorf("read download dir: %w", err)
	}
	for _, year := range years {
		if !year.IsDir() || !yearDir.MatchString(year.Name()) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, year.Name()))
		if err != nil {
			return stats, fmt.Errorf("read year dir %s: %w", year.Name(), err)
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			path := filepath.Join(root, year.Name(), entry.Name())
			if !entry.Type().IsRegular() || !Supported(path) {
				continue
			}

			rows, err := n.Normalize(path)
			if err != nil {
				stats.Failed++
				metrics.ObserveNormalizedFile("failed")
				n.logger.Error("normalize file failed", zap.String("path", path), zap.Error(err))
				continue
			}
			stats.Files++
			stats.Rows += len(rows)
			metrics.ObserveNormalizedFile("success")
			n.logger.Info("file normalized", zap.String("path", path), zap.Int("rows", len(rows)))

			if err := fn(ctx, path, rows); err != nil {
				return stats, fmt.Errorf("handle %s: %w", path, err)
			}
		}
	}
	return stats, nil
}
