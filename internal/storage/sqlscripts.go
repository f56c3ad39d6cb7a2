package storage

import (
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/skywang16/orbitx/internal/errdef"
)

// SQLScript is one ordered migration file parsed into executable statements.
type SQLScript struct {
	Name       string
	Order      uint32
	Statements []string
}

// LoadScripts reads every *.sql file from the filesystem, parses its order
// from the NN_desc / NN-desc file name prefix, splits statements and returns
// scripts sorted by order. Files whose order cannot be parsed are skipped
// with a warning rather than failing the whole load.
func LoadScripts(fsys fs.FS, dir string) ([]SQLScript, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "read sql script directory %s", dir)
	}

	var scripts []SQLScript
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".sql")
		order, err := parseScriptOrder(name)
		if err != nil {
			slog.Warn("skipping sql script with unparseable order", "file", entry.Name(), "error", err)
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, errdef.Wrap(err, errdef.KindIo, "read sql script %s", entry.Name())
		}
		scripts = append(scripts, SQLScript{
			Name:       name,
			Order:      order,
			Statements: SplitStatements(string(content)),
		})
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Order < scripts[j].Order })
	return scripts, nil
}

// parseScriptOrder extracts the numeric prefix from "01_tables" or "03-index".
func parseScriptOrder(name string) (uint32, error) {
	head := name
	if i := strings.IndexAny(name, "_-"); i >= 0 {
		head = name[:i]
	}
	digits := head
	for i, r := range head {
		if r < '0' || r > '9' {
			digits = head[:i]
			break
		}
	}
	if digits == "" {
		return 0, errdef.New(errdef.KindValidation, "no numeric order prefix in %q", name)
	}
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindValidation, "parse order prefix %q", digits)
	}
	return uint32(n), nil
}

// SplitStatements splits a SQL script into individual statements.
//
// The splitter is a line-oriented state machine, not a regex over ';':
// it strips -- and /* */ comments, and treats
// CREATE [TEMP] TRIGGER ... BEGIN ... END; blocks as a single statement,
// only closing them on an END; line.
func SplitStatements(content string) []string {
	var (
		statements  []string
		current     strings.Builder
		inComment   bool
		inTrigger   bool
	)

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		stmt = strings.TrimSuffix(stmt, ";")
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		// Multi-line comments: block form only, matching the migration
		// script conventions (no code on comment boundary lines).
		if strings.HasPrefix(trimmed, "/*") {
			inComment = true
		}
		if inComment {
			if strings.HasSuffix(trimmed, "*/") {
				inComment = false
			}
			continue
		}
		if strings.HasPrefix(trimmed, "--") {
			continue
		}

		if !inTrigger {
			upper := strings.ToUpper(trimmed)
			if strings.HasPrefix(upper, "CREATE TRIGGER") || strings.HasPrefix(upper, "CREATE TEMP TRIGGER") {
				inTrigger = true
			}
		}

		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(trimmed)

		if inTrigger {
			upper := strings.ToUpper(trimmed)
			if strings.HasSuffix(upper, "END;") || upper == "END;" {
				flush()
				inTrigger = false
			}
			continue
		}

		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}

	// Trailing statement without a terminating semicolon.
	flush()
	return statements
}
