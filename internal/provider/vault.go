package provider

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/halyard/stackgraph/internal/errs"
	"github.com/halyard/stackgraph/internal/shared"
)

var (
	wikiLinkRe = regexp.MustCompile(`\[\[([^\[\]|]+)(?:\|[^\[\]]*)?\]\]`)
	tagRe      = regexp.MustCompile(`(^|\s)#([a-zA-Z][a-zA-Z0-9_/-]*)`)
)

// NoteRecord is one markdown note observed in the vault.
type NoteRecord struct {
	Path        string   `json:"path"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	ContentHash string   `json:"content_hash"`
	Tags        []string `json:"tags"`
	Links       []string `json:"links"`
}

// Vault reads a directory tree of markdown notes.
type Vault struct {
	root string
}

func NewVault(root string) *Vault {
	return &Vault{root: root}
}

func (v *Vault) Name() string { return "vault" }

func (v *Vault) Root() string { return v.root }

// Reachable checks that the vault root exists and is a directory.
func (v *Vault) Reachable(ctx context.Context) error {
	info, err := os.Stat(v.root)
	if err != nil {
		return errs.E("vault.Reachable", errs.KindProviderUnavailable, err)
	}
	if !info.IsDir() {
		return errs.Ef("vault.Reachable", errs.KindProviderUnavailable, "%s is not a directory", v.root)
	}
	return nil
}

// SkippedNote is a vault entry that could not be read. One bad note
// never aborts a walk; the caller journals these and moves on.
type SkippedNote struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// List walks the vault and parses every markdown file. Hidden directories
// (dotfiles, .obsidian and the like) are skipped, and unreadable notes
// are reported as skipped rather than failing the whole walk.
func (v *Vault) List(ctx context.Context) ([]NoteRecord, []SkippedNote, error) {
	var notes []NoteRecord
	var skipped []SkippedNote
	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d == nil || d.IsDir() {
				return err
			}
			skipped = append(skipped, SkippedNote{Path: v.rel(path), Reason: err.Error()})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != v.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), ".md") {
			return nil
		}
		note, err := v.parse(path)
		if err != nil {
			skipped = append(skipped, SkippedNote{Path: v.rel(path), Reason: err.Error()})
			return nil
		}
		notes = append(notes, note)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, errs.E("vault.List", errs.KindCancelled, err)
		}
		return nil, nil, errs.E("vault.List", errs.KindTransientIO, err)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].Path < notes[j].Path })
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Path < skipped[j].Path })
	return notes, skipped, nil
}

func (v *Vault) rel(path string) string {
	rel, err := filepath.Rel(v.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (v *Vault) parse(path string) (NoteRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NoteRecord{}, errs.E("vault.parse", errs.KindTransientIO, err)
	}
	rel := v.rel(path)
	content := string(data)
	note := NoteRecord{
		Path:        rel,
		Title:       noteTitle(rel, content),
		Content:     content,
		ContentHash: shared.ContentHash(content),
		Tags:        parseTags(content),
		Links:       parseLinks(content),
	}
	return note, nil
}

// noteTitle prefers the first level-one heading, falling back to the
// filename without extension.
func noteTitle(rel, content string) string {
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if after, ok := strings.CutPrefix(line, "# "); ok {
			return strings.TrimSpace(after)
		}
	}
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func parseLinks(content string) []string {
	seen := map[string]bool{}
	var links []string
	for _, m := range wikiLinkRe.FindAllStringSubmatch(content, -1) {
		target := strings.TrimSpace(m[1])
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		links = append(links, target)
	}
	sort.Strings(links)
	return links
}

func parseTags(content string) []string {
	seen := map[string]bool{}
	var tags []string
	inFence := false
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		for _, m := range tagRe.FindAllStringSubmatch(line, -1) {
			tag := strings.ToLower(m[2])
			if seen[tag] {
				continue
			}
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}
