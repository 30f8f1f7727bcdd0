package main

import (
	"os"
	"path/filepath"

	"aqua/pkg/protocol"
)

// aquaDirName is the marker directory a project gains from "aqua init".
const aquaDirName = ".aqua"

// dbFileName is the store file inside the .aqua directory.
const dbFileName = "aqua.db"

// findAquaDir locates the project's .aqua directory. The AQUA_DIR
// environment variable short-circuits discovery; otherwise the search
// walks from the working directory up to the filesystem root, so
// subdirectory invocations find the project the way git finds .git.
func findAquaDir() (string, error) {
	if dir := os.Getenv("AQUA_DIR"); dir != "" {
		if !dirExists(dir) {
			return "", protocol.Errf(protocol.ErrNotInitialized,
				"AQUA_DIR %s does not exist", dir)
		}
		return dir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", protocol.Errf(protocol.ErrNotInitialized, "resolve working directory: %v", err)
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, aquaDirName)
		if dirExists(candidate) {
			return candidate, nil
		}
		if dir == filepath.Dir(dir) {
			return "", protocol.Errf(protocol.ErrNotInitialized,
				"no %s directory found; run aqua init first", aquaDirName)
		}
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
