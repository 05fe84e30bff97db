package common

import (
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
)

// Version is the release the CLI reports next to the commit.
const Version = "0.3.0"

// BuildInfo names the source tree a rewrite ran from.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Branch  string `json:"branch,omitempty"`
}

func GetBuildInfo() BuildInfo {
	info := BuildInfo{Version: Version, Commit: "unknown"}
	for _, p := range searchPaths() {
		if hash, branch := headFromPath(p); hash != "" {
			info.Commit = short(hash)
			info.Branch = branch
			break
		}
	}
	return info
}

// GetCommitHash returns the abbreviated HEAD of the working directory's
// repository, falling back to the executable's.
func GetCommitHash() string {
	return GetBuildInfo().Commit
}

// CommitHashAt is GetCommitHash for an explicit path.
func CommitHashAt(path string) string {
	hash, _ := headFromPath(path)
	if hash == "" {
		return "unknown"
	}
	return short(hash)
}

func searchPaths() []string {
	var out []string
	if cwd, err := os.Getwd(); err == nil {
		out = append(out, cwd)
	}
	if exePath, err := os.Executable(); err == nil {
		out = append(out, filepath.Dir(exePath))
	}
	return out
}

func short(hash string) string {
	if len(hash) >= 8 {
		return hash[:8]
	}
	return hash
}

func headFromPath(path string) (hash, branch string) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", ""
	}
	head, err := repo.Head()
	if err != nil {
		return "", ""
	}
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return head.Hash().String(), branch
}
