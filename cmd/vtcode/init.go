package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultConfigTemplate = `default_provider = "anthropic"

[providers.anthropic]
endpoint = "https://api.anthropic.com"
model = "claude-sonnet-4-5"
temperature = 0.2

[cache]
ttl_hours = 24

[ui]
syntax_theme = "vulcan"
`

const gitignoreTemplate = "# vtcode local state\n.vtcode/\n"

// runInit implements the §6 "init" subcommand: it scaffolds a project-local
// config.toml and the .vtcode/ working directory (tasks/ checklist
// persistence per internal/session.TaskFilePath) without touching a
// repository already carrying either.
func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	force := fs.Bool("force", false, "overwrite an existing config.toml")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return 1
	}

	configPath := filepath.Join(cwd, "config.toml")
	if _, err := os.Stat(configPath); err == nil && !*force {
		fmt.Printf("config.toml already exists (use --force to overwrite)\n")
	} else {
		if err := os.WriteFile(configPath, []byte(defaultConfigTemplate), 0644); err != nil {
			fmt.Printf("Error writing config.toml: %v\n", err)
			return 1
		}
		fmt.Println("wrote config.toml")
	}

	tasksDir := filepath.Join(cwd, ".vtcode", "tasks")
	if err := os.MkdirAll(tasksDir, 0750); err != nil {
		fmt.Printf("Error creating %s: %v\n", tasksDir, err)
		return 1
	}
	fmt.Printf("created %s\n", tasksDir)

	gitignorePath := filepath.Join(cwd, ".gitignore")
	if err := appendIfMissing(gitignorePath, gitignoreTemplate); err != nil {
		fmt.Printf("Warning: failed to update .gitignore: %v\n", err)
	}

	fmt.Println("vtcode initialized. Set ANTHROPIC_API_KEY (or edit config.toml) and run `vtcode tui`.")
	return 0
}

// appendIfMissing appends content to path if path doesn't already contain
// the ".vtcode/" line, creating the file if it doesn't exist.
func appendIfMissing(path, content string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if strings.Contains(string(existing), ".vtcode/") {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(content)
	return err
}
