package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/gcphost/pagehub.dev-sub001/internal/snapshot"
)

// PageDiff summarizes how two versions of a page differ.
type PageDiff struct {
	Added        []string `json:"added"`
	Removed      []string `json:"removed"`
	Moved        []string `json:"moved"`
	Changed      []string `json:"changed"`
	Components   bool     `json:"componentsChanged"`
	LinesAdded   int      `json:"linesAdded"`
	LinesRemoved int      `json:"linesRemoved"`
	// Patch is a textual patch of the page JSON, in diff-match-patch form.
	Patch string `json:"patch"`
}

// Empty reports whether the two versions are identical.
func (d PageDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Moved) == 0 && len(d.Changed) == 0 && !d.Components
}

// Diff compares two page versions node by node and line by line.
func Diff(from, to snapshot.Page) (PageDiff, error) {
	out := PageDiff{Added: []string{}, Removed: []string{}, Moved: []string{}, Changed: []string{}}
	for id, before := range from.Tree.Nodes {
		after, ok := to.Tree.Nodes[id]
		if !ok {
			out.Removed = append(out.Removed, id)
			continue
		}
		if before.ParentID != after.ParentID {
			out.Moved = append(out.Moved, id)
		}
		same, err := sameJSON(before, after)
		if err != nil {
			return PageDiff{}, err
		}
		if !same {
			out.Changed = append(out.Changed, id)
		}
	}
	for id := range to.Tree.Nodes {
		if _, ok := from.Tree.Nodes[id]; !ok {
			out.Added = append(out.Added, id)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Moved)
	sort.Strings(out.Changed)

	same, err := sameJSON(from.Components, to.Components)
	if err != nil {
		return PageDiff{}, err
	}
	out.Components = !same

	fromText, err := snapshot.Marshal(from)
	if err != nil {
		return PageDiff{}, err
	}
	toText, err := snapshot.Marshal(to)
	if err != nil {
		return PageDiff{}, err
	}
	dmp := diffpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(fromText), string(toText))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		switch d.Type {
		case diffpatch.DiffInsert:
			out.LinesAdded += strings.Count(d.Text, "\n")
		case diffpatch.DiffDelete:
			out.LinesRemoved += strings.Count(d.Text, "\n")
		}
	}
	out.Patch = dmp.PatchToText(dmp.PatchMake(string(fromText), diffs))
	return out, nil
}

func sameJSON(a, b any) (bool, error) {
	left, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("encode for diff: %w", err)
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("encode for diff: %w", err)
	}
	return bytes.Equal(left, right), nil
}
