package main

import (
	"os"
	"strings"
	"testing"
)

func TestREADMEDocumentsTheCLI(t *testing.T) {
	content, err := os.ReadFile("README.md")
	if err != nil {
		t.Fatalf("Failed to read README.md: %v", err)
	}

	readmeText := string(content)

	if !strings.Contains(readmeText, "## Commands") {
		t.Error("README.md missing ## Commands section")
	}

	// Every subcommand the CLI ships must be mentioned.
	commands := []string{
		"init", "setup", "join", "leave", "refresh", "ps",
		"add", "list", "show", "claim", "done", "fail", "progress",
		"serialize", "msg", "inbox", "ask", "reply",
		"lock", "unlock", "locks",
		"status", "log", "doctor", "recover", "watch",
	}
	for _, cmd := range commands {
		if !strings.Contains(readmeText, "`"+cmd+"`") {
			t.Errorf("README.md missing command reference %q", cmd)
		}
	}

	// The exit-code contract is part of the agent-facing interface.
	if !strings.Contains(readmeText, "Exit codes") {
		t.Error("README.md missing exit code documentation")
	}
}
