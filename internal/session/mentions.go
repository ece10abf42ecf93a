package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/muxworks/muxd/internal/msg"
)

// maxMentionFileSize caps how much of a mentioned file is snapshotted.
const maxMentionFileSize = 64 * 1024

var mentionRe = regexp.MustCompile(`@([\w./~-]+)`)

// materializeFileMentions turns @path tokens into a synthetic user
// message carrying the files' contents at send time. Returns nil when
// the text mentions nothing readable.
func materializeFileMentions(text, projectDir string) *msg.Message {
	matches := mentionRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var (
		tokens []string
		blocks []string
	)
	for _, m := range matches {
		rel := m[1]
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(projectDir, rel)
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		truncated := false
		if len(data) > maxMentionFileSize {
			data = data[:maxMentionFileSize]
			truncated = true
		}
		block := fmt.Sprintf("Contents of %s:\n```\n%s\n```", rel, string(data))
		if truncated {
			block += "\n(truncated)"
		}
		tokens = append(tokens, "@"+rel)
		blocks = append(blocks, block)
	}
	if len(tokens) == 0 {
		return nil
	}

	return &msg.Message{
		ID:    msg.NewID(),
		Role:  msg.RoleUser,
		Parts: []msg.Part{{Type: msg.PartText, Text: strings.Join(blocks, "\n\n")}},
		Metadata: msg.Metadata{
			Timestamp:             msg.NowMillis(),
			Synthetic:             true,
			FileAtMentionSnapshot: tokens,
		},
	}
}
