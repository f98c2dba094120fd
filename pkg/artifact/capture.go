package artifact

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"

	"github.com/wardenhq/warden/pkg/sandbox"
	"github.com/wardenhq/warden/pkg/wlog"
)

// Capturer copies requested files out of a finished sandbox into the
// store, enforcing the per-file and per-run size ceilings. Oversize
// files are skipped, not fatal; once the run ceiling is reached the
// remaining paths are dropped.
type Capturer struct {
	log   *wlog.Logger
	store Store
}

func NewCapturer(log *wlog.Logger, store Store) *Capturer {
	return &Capturer{log: log.Component("artifact"), store: store}
}

func (c *Capturer) Capture(ctx context.Context, prov sandbox.Provisioner, handle, runID string, paths []string) ([]*Artifact, error) {
	var (
		captured []*Artifact
		total    int64
	)
	for _, p := range paths {
		if total >= MaxRunBytes {
			c.log.Warn("run artifact ceiling reached, dropping remaining paths",
				"run_id", runID, "dropped", len(paths)-len(captured))
			break
		}

		// Read one byte past the ceiling so truncation is detectable.
		data, err := prov.ReadFile(ctx, handle, p, MaxFileBytes+1)
		if err != nil {
			c.log.Warn("artifact read failed", "run_id", runID, "path", p, "error", err)
			continue
		}
		if int64(len(data)) > MaxFileBytes {
			c.log.Warn("artifact exceeds file ceiling, skipped",
				"run_id", runID, "path", p, "ceiling_bytes", MaxFileBytes)
			continue
		}
		if total+int64(len(data)) > MaxRunBytes {
			c.log.Warn("artifact would exceed run ceiling, skipped",
				"run_id", runID, "path", p, "ceiling_bytes", MaxRunBytes)
			continue
		}

		name := path.Base(p)
		art, err := c.store.Upload(ctx, RunKey(runID, name), bytes.NewReader(data),
			contentTypeFor(name), map[string]string{"source_path": p})
		if err != nil {
			return captured, fmt.Errorf("upload artifact %s: %w", name, err)
		}
		total += art.Size
		captured = append(captured, art)
	}
	return captured, nil
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
