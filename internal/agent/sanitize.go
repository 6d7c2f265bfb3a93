package agent

import "regexp"

var (
	// Some CLI builds leak raw thinking blocks into the text stream.
	thinkingArtifact = regexp.MustCompile(`\[\{"type":"thinking"[^\]]*\}\]`)
	excessNewlines   = regexp.MustCompile(`\n{3,}`)
)
