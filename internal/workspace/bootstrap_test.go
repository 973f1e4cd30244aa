package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBootstrap_CreatesLayout(t *testing.T) {
	root := t.TempDir()
	result, err := Bootstrap(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Created) != 3 || len(result.Skipped) != 0 {
		t.Errorf("result = %+v", result)
	}
	for _, name := range []string{AgentsFile, MemoryFile, filepath.Join(RulesDir, "go.md")} {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	for _, dir := range []string{RulesDir, SkillsDir} {
		info, err := os.Stat(filepath.Join(root, dir))
		if err != nil || !info.IsDir() {
			t.Errorf("missing dir %s", dir)
		}
	}
}

func TestBootstrap_NeverOverwrites(t *testing.T) {
	root := t.TempDir()
	custom := []byte("my own instructions\n")
	if err := os.WriteFile(filepath.Join(root, AgentsFile), custom, 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := Bootstrap(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Skipped) != 1 {
		t.Errorf("skipped = %v", result.Skipped)
	}
	data, err := os.ReadFile(filepath.Join(root, AgentsFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(custom) {
		t.Error("bootstrap overwrote an existing file")
	}
}
