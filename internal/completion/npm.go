package completion

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// npm-style verbs that accept a script name.
var scriptRunners = map[string]bool{
	"npm":  true,
	"pnpm": true,
	"yarn": true,
	"bun":  true,
}

// NpmProvider completes package.json script names after "npm run" (and the
// other package managers' equivalents).
type NpmProvider struct{}

func (NpmProvider) Name() string  { return "npm" }
func (NpmProvider) Priority() int { return 80 }

func (NpmProvider) ShouldProvide(c Context) bool {
	return scriptRunners[c.FirstWord()] && !c.IsFirstWord()
}

func (NpmProvider) Provide(_ context.Context, c Context) ([]Item, error) {
	fields := strings.Fields(c.Input[:c.WordStart])

	// "npm <partial>" completes the run verb itself plus common verbs.
	if len(fields) == 1 {
		var items []Item
		for _, verb := range []string{"run", "install", "test", "start", "build", "ci", "publish"} {
			if strings.HasPrefix(verb, c.CurrentWord) {
				items = append(items, Item{Text: fields[0] + " " + verb, Label: verb, Score: 70, Source: "npm"})
			}
		}
		return items, nil
	}

	// "npm run <partial>" (yarn/pnpm/bun allow bare script names too).
	isRun := fields[1] == "run" || fields[1] == "run-script"
	if !isRun && fields[0] == "npm" {
		return nil, nil
	}

	scripts := readPackageScripts(c.WorkingDirectory)
	var items []Item
	for _, name := range scripts {
		if strings.HasPrefix(name, c.CurrentWord) {
			items = append(items, Item{Text: name, Score: 78, Source: "npm"})
		}
	}
	return items, nil
}

func readPackageScripts(dir string) []string {
	for dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, "package.json"))
		if err == nil {
			var pkg struct {
				Scripts map[string]string `json:"scripts"`
			}
			if json.Unmarshal(data, &pkg) != nil {
				return nil
			}
			names := make([]string, 0, len(pkg.Scripts))
			for name := range pkg.Scripts {
				names = append(names, name)
			}
			sort.Strings(names)
			return names
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
	return nil
}
