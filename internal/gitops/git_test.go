package gitops

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@test",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return string(out)
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.name", "test")
	gitRun(t, dir, "config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# skill\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, dir, "add", "-A")
	gitRun(t, dir, "commit", "-m", "initial")
	return dir
}

func TestIsRepo(t *testing.T) {
	if !IsRepo(initTestRepo(t)) {
		t.Error("IsRepo = false for an initialized repo")
	}
	if IsRepo(t.TempDir()) {
		t.Error("IsRepo = true for a bare temp dir")
	}
}

func TestCommitAllCreatesCommit(t *testing.T) {
	dir := initTestRepo(t)
	base, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	// One modified tracked file, one untracked file.
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# skill v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "selectors.md"), []byte("prefer roles\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sha, err := CommitAll(dir, "fix shadow-dom piercing")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if sha == base || len(sha) != 40 {
		t.Errorf("CommitAll sha = %q (base %q)", sha, base)
	}
	clean, err := IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Error("tree dirty after CommitAll")
	}
	if subject := strings.TrimSpace(gitRun(t, dir, "log", "-1", "--format=%s")); subject != "fix shadow-dom piercing" {
		t.Errorf("commit subject = %q", subject)
	}

	files, err := ChangedFiles(dir, base, sha)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "SKILL.md" || files[1] != "selectors.md" {
		t.Errorf("ChangedFiles = %v, want [SKILL.md selectors.md]", files)
	}
}

func TestCommitAllNothingToCommit(t *testing.T) {
	dir := initTestRepo(t)
	if _, err := CommitAll(dir, "empty"); !errors.Is(err, ErrNoChanges) {
		t.Errorf("error = %v, want ErrNoChanges", err)
	}
}

func TestRevertRestoresPreviousState(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# regressed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	fixSHA, err := CommitAll(dir, "fix that regressed")
	if err != nil {
		t.Fatal(err)
	}

	revertSHA, err := Revert(dir, fixSHA)
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if revertSHA == fixSHA {
		t.Error("no revert commit created")
	}
	data, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# skill\n" {
		t.Errorf("SKILL.md after revert = %q, want original content", data)
	}
	clean, err := IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Error("tree dirty after revert")
	}
}

func TestResetHardAndCleanUntracked(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stray.tmp"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ResetHard(dir, "HEAD"); err != nil {
		t.Fatalf("ResetHard: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# skill\n" {
		t.Errorf("SKILL.md after reset = %q", data)
	}
	// reset --hard leaves untracked files behind.
	if clean, _ := IsClean(dir); clean {
		t.Fatal("expected untracked file to keep the tree dirty")
	}

	if err := CleanUntracked(dir); err != nil {
		t.Fatalf("CleanUntracked: %v", err)
	}
	clean, err := IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Error("tree dirty after CleanUntracked")
	}
}

func TestIsCleanDetectsDirt(t *testing.T) {
	dir := initTestRepo(t)
	clean, err := IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Fatal("fresh repo reported dirty")
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("wip"), 0o644); err != nil {
		t.Fatal(err)
	}
	clean, err = IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if clean {
		t.Error("dirty repo reported clean")
	}
}

func TestChangedFilesNoDiff(t *testing.T) {
	dir := initTestRepo(t)
	sha, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}
	files, err := ChangedFiles(dir, sha, sha)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("ChangedFiles = %v, want none", files)
	}
}
