package migrator

import (
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Migration represents a database migration.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
)

// ParseMigrationFile reads and parses a single migration file from fsys.
func ParseMigrationFile(fsys fs.FS, name string) (*Migration, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read migration file")
	}
	return ParseMigration(path.Base(name), content)
}

// ParseMigration parses migration content. filename must follow NNN_name.sql.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, errors.Newf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, errors.Newf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")

	upMarkerLine := -1
	noTransaction := false
	for i, line := range lines {
		if m := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			upMarkerLine = i
			noTransaction = strings.TrimSpace(m[1]) == "notransaction"
			break
		}
	}
	if upMarkerLine < 0 {
		return nil, errors.Newf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	// Dependency directives may only appear between the marker and the first statement
	var dependencies []int
	sqlStartLine := len(lines)
	for i := upMarkerLine + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if m := dependsRegex.FindStringSubmatch(line); m != nil {
			depsStr := strings.TrimSpace(m[1])
			if depsStr == "" {
				return nil, errors.Newf("empty dependency list in migration file: %s", filename)
			}
			for _, depStr := range strings.Fields(depsStr) {
				dep, err := strconv.Atoi(depStr)
				if err != nil {
					return nil, errors.Newf("invalid dependency version '%s' in migration file: %s", depStr, filename)
				}
				dependencies = append(dependencies, dep)
			}
			continue
		}

		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		sqlStartLine = i
		break
	}

	sql := ""
	if sqlStartLine < len(lines) {
		sql = strings.TrimSpace(strings.Join(lines[sqlStartLine:], "\n"))
	}
	if sql == "" {
		return nil, errors.Newf("migration file contains no SQL statements: %s", filename)
	}

	return &Migration{
		Version:       version,
		Name:          matches[2],
		UpSQL:         sql,
		NoTransaction: noTransaction,
		Dependencies:  dependencies,
	}, nil
}

// LoadMigrations loads all migrations in dir of fsys, validates them, and
// returns them sorted by version.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read migrations directory")
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		migration, err := ParseMigrationFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	// Cycles are reported before missing versions so the message points at the real problem
	if err := detectCycle(migrations); err != nil {
		return nil, err
	}

	versionSet := make(map[int]bool)
	for _, m := range migrations {
		versionSet[m.Version] = true
	}
	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versionSet[dep] {
				return nil, errors.Newf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	// No gaps, no duplicates
	expectedVersion := 1
	seen := make(map[int]bool)
	for _, m := range migrations {
		if seen[m.Version] {
			return nil, errors.Newf("duplicate migration version: %d", m.Version)
		}
		seen[m.Version] = true

		if m.Version != expectedVersion {
			return nil, errors.Newf("gap in migration versions: expected %d, found %d", expectedVersion, m.Version)
		}
		expectedVersion++
	}

	return migrations, nil
}

// detectCycle uses a three-color DFS to find circular dependencies.
// White (0) = unvisited, Gray (1) = visiting, Black (2) = completed
func detectCycle(migrations []Migration) error {
	graph := make(map[int][]int)
	color := make(map[int]int)
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
		color[m.Version] = 0
	}

	var dfs func(int, []int) error
	dfs = func(node int, trail []int) error {
		color[node] = 1
		trail = append(trail, node)

		for _, dep := range graph[node] {
			if color[dep] == 1 {
				return errors.Newf("circular dependency detected: %v", append(trail, dep))
			}
			if color[dep] == 0 {
				if err := dfs(dep, trail); err != nil {
					return err
				}
			}
		}

		color[node] = 2
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == 0 {
			if err := dfs(m.Version, nil); err != nil {
				return err
			}
		}
	}

	return nil
}
