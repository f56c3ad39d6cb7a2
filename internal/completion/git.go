package completion

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
)

// gitSubcommands are the common porcelain verbs offered after "git ".
var gitSubcommands = []string{
	"add", "bisect", "branch", "checkout", "cherry-pick", "clone", "commit",
	"diff", "fetch", "grep", "init", "log", "merge", "mv", "pull", "push",
	"rebase", "reset", "restore", "revert", "rm", "show", "stash", "status",
	"switch", "tag", "worktree",
}

// GitProvider completes git subcommands and branch names. Branches are read
// from .git/refs and packed-refs directly so no subprocess is spawned on the
// completion path.
type GitProvider struct{}

func (GitProvider) Name() string  { return "git" }
func (GitProvider) Priority() int { return 80 }

func (GitProvider) ShouldProvide(c Context) bool {
	return c.FirstWord() == "git" && !c.IsFirstWord()
}

func (GitProvider) Provide(_ context.Context, c Context) ([]Item, error) {
	fields := strings.Fields(c.Input[:c.WordStart])

	// "git <partial>" completes subcommands.
	if len(fields) == 1 {
		var items []Item
		for _, sub := range gitSubcommands {
			if strings.HasPrefix(sub, c.CurrentWord) {
				items = append(items, Item{Text: "git " + sub, Label: sub, Score: 80, Source: "git"})
			}
		}
		return items, nil
	}

	// Branch-taking verbs complete branch names.
	switch fields[1] {
	case "checkout", "switch", "merge", "rebase", "branch":
		branches := readBranches(c.WorkingDirectory)
		var items []Item
		for _, branch := range branches {
			if strings.HasPrefix(branch, c.CurrentWord) {
				items = append(items, Item{Text: branch, Score: 75, Source: "git"})
			}
		}
		return items, nil
	}
	return nil, nil
}

func readBranches(workdir string) []string {
	gitDir := findGitDir(workdir)
	if gitDir == "" {
		return nil
	}

	seen := make(map[string]bool)
	var branches []string

	headsDir := filepath.Join(gitDir, "refs", "heads")
	_ = filepath.Walk(headsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(headsDir, path)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		if !seen[name] {
			seen[name] = true
			branches = append(branches, name)
		}
		return nil
	})

	// packed-refs holds refs for repacked repositories.
	if f, err := os.Open(filepath.Join(gitDir, "packed-refs")); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "^") {
				continue
			}
			parts := strings.Fields(line)
			if len(parts) != 2 {
				continue
			}
			if name, ok := strings.CutPrefix(parts[1], "refs/heads/"); ok && !seen[name] {
				seen[name] = true
				branches = append(branches, name)
			}
		}
		f.Close()
	}
	return branches
}

func findGitDir(dir string) string {
	for dir != "" {
		candidate := filepath.Join(dir, ".git")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
	return ""
}
