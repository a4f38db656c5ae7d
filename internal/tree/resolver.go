package tree

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/damacus/iron-folders/internal/models"
)

// Conflict describes an occupied destination.
type Conflict struct {
	Source      string
	Destination string
	IsFolder    bool
}

// Resolver decides what to do about one conflict.
type Resolver interface {
	Resolve(ctx context.Context, c Conflict) (models.ConflictDecision, error)
}

// StaticResolver answers every conflict the same way.
type StaticResolver struct {
	Decision models.ConflictDecision
}

// Resolve implements Resolver.
func (r StaticResolver) Resolve(context.Context, Conflict) (models.ConflictDecision, error) {
	return r.Decision, nil
}

// PromptResolver asks an operator on a terminal. When Interactive is false
// every conflict is skipped without prompting.
type PromptResolver struct {
	In          io.Reader
	Out         io.Writer
	Interactive bool

	once   sync.Once
	reader *bufio.Reader
}

// Resolve implements Resolver.
func (r *PromptResolver) Resolve(_ context.Context, c Conflict) (models.ConflictDecision, error) {
	if !r.Interactive {
		return models.DecisionSkip, nil
	}
	r.once.Do(func() { r.reader = bufio.NewReader(r.In) })

	kind := "File"
	if c.IsFolder {
		kind = "Folder"
	}
	for {
		_, _ = fmt.Fprintf(r.Out, "%s %q already exists. [s]kip, [o]verwrite, overwrite [a]ll? ", kind, c.Destination)
		line, err := r.reader.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		switch answer {
		case "s", "skip":
			return models.DecisionSkip, nil
		case "o", "overwrite":
			return models.DecisionOverwrite, nil
		case "a", "all", "overwriteall":
			return models.DecisionOverwriteAll, nil
		}
		if err != nil {
			// input closed: take the safe answer
			return models.DecisionSkip, nil
		}
	}
}
