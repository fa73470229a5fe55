package indexer

import (
	"context"
	"fmt"
	"sort"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

// ActionKind is the classification of one path.
type ActionKind string

const (
	ActionAdd    ActionKind = "ADD"
	ActionModify ActionKind = "MODIFY"
	ActionSkip   ActionKind = "SKIP"
	ActionRemove ActionKind = "REMOVE"
)

// FileAction pairs a path with what the run will do to it. File is nil for
// removals; Prior is nil for additions.
type FileAction struct {
	Path  string
	Kind  ActionKind
	File  *ScannedFile
	Prior *types.FileRecord
}

// Plan is the ordered change set of one run.
type Plan struct {
	Actions []FileAction
}

// Count returns how many actions have the given kind.
func (p *Plan) Count(kind ActionKind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// Diff classifies scanned files against prior records. Records whose path is
// unreadable this run are left alone. Actions are ordered by path.
func Diff(scan *ScanResult, prior []*types.FileRecord, force bool) *Plan {
	known := make(map[string]*types.FileRecord, len(prior))
	for _, rec := range prior {
		known[rec.FilePath] = rec
	}

	plan := &Plan{Actions: make([]FileAction, 0, len(scan.Files)+len(prior))}
	seen := make(map[string]bool, len(scan.Files))
	for i := range scan.Files {
		f := &scan.Files[i]
		seen[f.Path] = true
		rec, ok := known[f.Path]
		switch {
		case !ok:
			plan.Actions = append(plan.Actions, FileAction{Path: f.Path, Kind: ActionAdd, File: f})
		case force || rec.ContentHash != f.Hash:
			plan.Actions = append(plan.Actions, FileAction{Path: f.Path, Kind: ActionModify, File: f, Prior: rec})
		default:
			plan.Actions = append(plan.Actions, FileAction{Path: f.Path, Kind: ActionSkip, File: f, Prior: rec})
		}
	}

	for _, rec := range prior {
		if seen[rec.FilePath] {
			continue
		}
		if _, unreadable := scan.Unreadable[rec.FilePath]; unreadable {
			continue
		}
		plan.Actions = append(plan.Actions, FileAction{Path: rec.FilePath, Kind: ActionRemove, Prior: rec})
	}

	sort.SliceStable(plan.Actions, func(i, j int) bool {
		return plan.Actions[i].Path < plan.Actions[j].Path
	})
	return plan
}

// Classify loads the source's file records and diffs them against scan.
func (idx *Indexer) Classify(ctx context.Context, sourceID int64, scan *ScanResult, force bool) (*Plan, error) {
	prior, err := idx.storage.ListFiles(ctx, sourceID)
	if err != nil {
		return nil, fatal("diff", fmt.Errorf("list files: %w", err))
	}
	return Diff(scan, prior, force), nil
}
