package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// execute runs the root command with args and returns its output. Flag
// variables are reset first because cobra keeps them between runs.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	validateFlags.format = "text"
	deadletterFlags.format = "text"
	deadletterFlags.pending = false
	deadletterFlags.all = false
	runFlags.listenAddress = ""
	runFlags.logLevel = ""
	runFlags.dryRun = false
	runFlags.watch = false
	verbose = false
	envFile = ""

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
