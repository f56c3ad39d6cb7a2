package completion

import (
	"context"
	"regexp"
	"strings"
	"sync"
)

// Entity kinds extracted from command output.
const (
	entityPid  = "pid"
	entityPort = "port"
	entityIP   = "ip"
	entityPath = "path"
)

// verbEntities maps verb families to the entity kinds they accept.
var verbEntities = map[string][]string{
	"kill":    {entityPid},
	"killall": {entityPid},
	"ssh":     {entityIP},
	"telnet":  {entityIP, entityPort},
	"ping":    {entityIP},
	"curl":    {entityIP},
	"cat":     {entityPath},
	"less":    {entityPath},
	"tail":    {entityPath},
	"vim":     {entityPath},
	"cd":      {entityPath},
	"rm":      {entityPath},
	"cp":      {entityPath},
	"mv":      {entityPath},
}

var (
	pidRe  = regexp.MustCompile(`\b(\d{2,7})\b`)
	portRe = regexp.MustCompile(`(?::|port\s+)(\d{2,5})\b`)
	ipRe   = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
	pathRe = regexp.MustCompile(`(?:^|\s)(/[\w./-]+|\./[\w./-]+|[\w-]+/[\w./-]+)`)
)

// maxEntitiesPerKind bounds how many recent entities are remembered per kind.
const maxEntitiesPerKind = 50

// OutputAnalyzer ingests command output and extracts completable entities.
// It is the one stateful completion source: the context-aware provider reads
// it when the current verb matches a known family.
type OutputAnalyzer struct {
	mu       sync.Mutex
	entities map[string][]string // kind → most-recent-first values
}

func NewOutputAnalyzer() *OutputAnalyzer {
	return &OutputAnalyzer{entities: make(map[string][]string)}
}

// Ingest scans one command's output for entities.
func (a *OutputAnalyzer) Ingest(commandLine, output string) {
	found := map[string][]string{}

	// pids only make sense from process-listing commands.
	verb := strings.Fields(commandLine)
	if len(verb) > 0 && (verb[0] == "ps" || verb[0] == "lsof" || verb[0] == "pgrep" || verb[0] == "top") {
		for _, m := range pidRe.FindAllStringSubmatch(output, 30) {
			found[entityPid] = append(found[entityPid], m[1])
		}
	}
	for _, m := range portRe.FindAllStringSubmatch(output, 30) {
		found[entityPort] = append(found[entityPort], m[1])
	}
	for _, m := range ipRe.FindAllStringSubmatch(output, 30) {
		found[entityIP] = append(found[entityIP], m[1])
	}
	for _, m := range pathRe.FindAllStringSubmatch(output, 30) {
		found[entityPath] = append(found[entityPath], strings.TrimSpace(m[1]))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for kind, values := range found {
		merged := append(values, a.entities[kind]...)
		merged = dedupeStrings(merged)
		if len(merged) > maxEntitiesPerKind {
			merged = merged[:maxEntitiesPerKind]
		}
		a.entities[kind] = merged
	}
}

// Get returns remembered entities of one kind, most recent first.
func (a *OutputAnalyzer) Get(kind string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entities[kind]))
	copy(out, a.entities[kind])
	return out
}

// Clear wipes remembered entities.
func (a *OutputAnalyzer) Clear() {
	a.mu.Lock()
	a.entities = make(map[string][]string)
	a.mu.Unlock()
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ContextAwareProvider offers recently-observed entities as completions when
// the current verb is in a known family (kill → pids, ssh → ips, cat →
// paths, ...).
type ContextAwareProvider struct {
	analyzer *OutputAnalyzer
}

func NewContextAwareProvider(analyzer *OutputAnalyzer) *ContextAwareProvider {
	return &ContextAwareProvider{analyzer: analyzer}
}

func (*ContextAwareProvider) Name() string  { return "context_aware" }
func (*ContextAwareProvider) Priority() int { return 100 }

func (p *ContextAwareProvider) ShouldProvide(c Context) bool {
	_, ok := verbEntities[c.FirstWord()]
	return ok && !c.IsFirstWord()
}

func (p *ContextAwareProvider) Provide(_ context.Context, c Context) ([]Item, error) {
	kinds := verbEntities[c.FirstWord()]
	var items []Item
	for _, kind := range kinds {
		for rank, value := range p.analyzer.Get(kind) {
			if c.CurrentWord != "" && !strings.HasPrefix(value, c.CurrentWord) {
				continue
			}
			score := 90 - float64(rank)
			if score < 60 {
				score = 60
			}
			items = append(items, Item{
				Text:        value,
				Description: kind + " from recent output",
				Score:       score,
				Source:      "context_aware",
			})
		}
	}
	return items, nil
}
