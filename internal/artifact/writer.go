// Package artifact persists compiled rulesets to the locations the
// content-filtering engine loads them from.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tternquist/beyond-ads-blocker/internal/fileutil"
	"github.com/tternquist/beyond-ads-blocker/internal/metrics"
	"github.com/tternquist/beyond-ads-blocker/internal/rules"
)

var (
	ErrSerialization = errors.New("artifact serialization failed")
	ErrWrite         = errors.New("artifact write failed")
)

const filePerm os.FileMode = 0o644

// encode is replaced in tests to force the fallback path.
var encode = encodeRules

// Writer writes the same ruleset to every target path.
type Writer struct {
	targets []string
	logger  *slog.Logger
}

func NewWriter(targets []string, logger *slog.Logger) *Writer {
	cleaned := make([]string, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		cleaned = append(cleaned, target)
	}
	return &Writer{targets: cleaned, logger: logger}
}

func (w *Writer) Targets() []string {
	return append([]string(nil), w.targets...)
}

// Write encodes rs and replaces every target atomically. If encoding fails the
// fallback ruleset is written instead. It fails with ErrWrite only when no
// target accepted the write. Local writes are short and run to completion
// even if ctx is already done.
func (w *Writer) Write(_ context.Context, rs []rules.Rule) error {
	if len(w.targets) == 0 {
		return fmt.Errorf("%w: no targets configured", ErrWrite)
	}
	data, err := encode(rs)
	if err != nil {
		w.logf(slog.LevelError, "artifact encode failed, writing fallback ruleset", "err", err)
		metrics.RecordArtifactFallback()
		data, err = encodeRules(rules.FallbackRules())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
	}

	errs := make([]error, len(w.targets))
	var g errgroup.Group
	for i, target := range w.targets {
		g.Go(func() error {
			errs[i] = fileutil.WriteFileAtomic(target, data, filePerm)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range errs {
		metrics.RecordArtifactWrite(err == nil)
		if err != nil {
			failed++
			w.logf(slog.LevelWarn, "artifact target write failed", "path", w.targets[i], "err", err)
		}
	}
	if failed == len(w.targets) {
		return fmt.Errorf("%w: %w", ErrWrite, errors.Join(errs...))
	}
	w.logf(slog.LevelDebug, "artifact written", "rules", len(rs), "targets", len(w.targets)-failed)
	return nil
}

// Read decodes an artifact file.
func Read(path string) ([]rules.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []rules.Rule
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}

func encodeRules(rs []rules.Rule) ([]byte, error) {
	if rs == nil {
		rs = []rules.Rule{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *Writer) logf(level slog.Level, msg string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Log(context.Background(), level, msg, args...)
}
