package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SubmissionHook describes the post-receive hook installed in every student
// repository. On each push it appends one SUBMISSION record per updated ref
// to LogPath.
type SubmissionHook struct {
	LogPath    string
	Faculty    string
	Class      string
	Assignment string
	RepoPath   string
}

// Script renders the hook as a POSIX shell script. Each record is written by
// a single printf so concurrent pushes do not interleave lines.
func (h SubmissionHook) Script() string {
	payload := strings.Join([]string{h.Faculty, h.Class, h.Assignment, h.RepoPath}, " ")
	return fmt.Sprintf(`#!/bin/sh
# installed by gitgrade
log=%s
mkdir -p "$(dirname "$log")"
while read oldrev newrev refname; do
	case "$newrev" in
	0000000000000000000000000000000000000000) continue ;;
	esac
	printf '%%s SUBMISSION %%s %%s\n' "$(date +%%s)" %s "$newrev" >> "$log"
done
`, shellQuote(h.LogPath), shellQuote(payload))
}

// Install writes the hook into the bare repository at bareDir.
func (h SubmissionHook) Install(bareDir string) error {
	hooks := filepath.Join(bareDir, "hooks")
	if err := os.MkdirAll(hooks, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(hooks, "post-receive"), []byte(h.Script()), 0o755)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
