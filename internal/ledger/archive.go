package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/jvs-project/trail/pkg/fsutil"
	"github.com/jvs-project/trail/pkg/model"
	"github.com/jvs-project/trail/pkg/nameutil"
)

const maxArchiveLine = 16 << 20

// ColdArchive exports archived entries to one JSONL file per chain scope.
// Entries keep their hashes, so an export verifies on its own with
// VerifyFile. Only the contiguous archived prefix of a chain is exported.
type ColdArchive struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewColdArchive creates an archive rooted at dir.
func NewColdArchive(dir string, logger *zap.Logger) *ColdArchive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ColdArchive{dir: dir, logger: logger.Named("cold_archive")}
}

// Path returns the export file for scope.
func (a *ColdArchive) Path(scope string) (string, error) {
	name, err := nameutil.ScopeFileName(scope)
	if err != nil {
		return "", err
	}
	return filepath.Join(a.dir, name+".jsonl"), nil
}

// Export appends newly archived entries of scope to its export file and
// returns how many were written.
func (a *ColdArchive) Export(ctx context.Context, store Store, scope string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	path, err := a.Path(scope)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return 0, fmt.Errorf("create archive dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	if err := fsutil.LockFile(file); err != nil {
		return 0, fmt.Errorf("flock archive: %w", err)
	}
	defer fsutil.UnlockFile(file)

	last, err := lastArchivedLocked(file)
	if err != nil {
		return 0, fmt.Errorf("read archive tail: %w", err)
	}
	if err := fsutil.FsyncDir(a.dir); err != nil {
		return 0, fmt.Errorf("fsync archive dir: %w", err)
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("seek to end: %w", err)
	}
	w := bufio.NewWriter(file)
	written := 0
	after := last.Position
	for {
		if err := ctx.Err(); err != nil {
			break
		}
		page, err := store.Walk(ctx, scope, after, verifyPageSize)
		if err != nil {
			return written, fmt.Errorf("walk chain %s: %w", scope, err)
		}
		stop := len(page) == 0
		for _, e := range page {
			if !e.IsArchived {
				stop = true
				break
			}
			line, err := json.Marshal(e)
			if err != nil {
				return written, fmt.Errorf("marshal entry %s: %w", e.ID, err)
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return written, fmt.Errorf("write archive: %w", err)
			}
			written++
			after = e.ChainPosition
		}
		if stop {
			break
		}
	}
	if err := w.Flush(); err != nil {
		return written, fmt.Errorf("flush archive: %w", err)
	}
	if err := file.Sync(); err != nil {
		return written, fmt.Errorf("sync archive: %w", err)
	}

	if written > 0 {
		a.logger.Info("exported archived entries",
			zap.String("scope", scope),
			zap.Int("count", written),
			zap.Int64("through_position", after))
	}
	return written, ctx.Err()
}

// ExportAll exports every scope and returns the total written.
func (a *ColdArchive) ExportAll(ctx context.Context, store Store) (int, error) {
	scopes, err := store.Scopes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list scopes: %w", err)
	}
	total := 0
	for _, scope := range scopes {
		n, err := a.Export(ctx, store, scope)
		total += n
		if err != nil {
			return total, fmt.Errorf("export %s: %w", scope, err)
		}
	}
	return total, nil
}

func lastArchivedLocked(file *os.File) (model.Checkpoint, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return model.Checkpoint{}, err
	}
	var last model.Checkpoint
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxArchiveLine)
	for scanner.Scan() {
		var e model.LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return last, fmt.Errorf("malformed archive line after position %d: %w", last.Position, err)
		}
		last = model.Checkpoint{Scope: e.ChainScope, Position: e.ChainPosition, Hash: e.EventHash}
	}
	return last, scanner.Err()
}

// VerifyFile verifies the hash chain stored in an export file from genesis.
func VerifyFile(path string) (*VerifyResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	res := &VerifyResult{}
	prevHash, prevPos := model.GenesisHash, int64(0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxArchiveLine)
	for scanner.Scan() {
		var e model.LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			res.markBroken(&Divergence{Position: prevPos + 1, Reason: ReasonHashMismatch})
			return res, nil
		}
		if res.Scope == "" {
			res.Scope = e.ChainScope
		}
		d, err := checkNext(&e, prevHash, prevPos)
		if err != nil {
			return res, err
		}
		if d != nil {
			res.markBroken(d)
			return res, nil
		}
		prevHash, prevPos = e.EventHash, e.ChainPosition
		res.EntriesChecked++
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return res, fmt.Errorf("scan archive: %w", err)
	}
	res.Checkpoint = &model.Checkpoint{Scope: res.Scope, Position: prevPos, Hash: prevHash}
	res.OK = true
	return res, nil
}
