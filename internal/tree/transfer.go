package tree

import (
	"context"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/damacus/iron-folders/internal/namespace"
	"github.com/google/uuid"
)

// bulkState is the per-call accumulator for conflict answers. One value is
// created per Transfer call and handed down explicitly.
type bulkState struct {
	overwriteAll bool
	prompts      int
}

func (s *bulkState) decide(ctx context.Context, r Resolver, c Conflict) (models.ConflictDecision, error) {
	if s.overwriteAll {
		return models.DecisionOverwriteAll, nil
	}
	s.prompts++
	d, err := r.Resolve(ctx, c)
	if err != nil {
		return models.DecisionSkip, err
	}
	if d == models.DecisionOverwriteAll {
		s.overwriteAll = true
	}
	return d, nil
}

// Transfer copies or moves items into dstPrefix, asking resolver about each
// occupied destination. Items are handled in order; a failing item does not
// stop the rest. The first failure in input order is reported.
func (e *Engine) Transfer(ctx context.Context, items []models.TransferItem, dstPrefix string, mode models.TransferMode, resolver Resolver) (models.BulkResult, error) {
	res := models.BulkResult{OperationID: uuid.NewString(), Outcomes: []models.ItemOutcome{}}
	if mode != models.ModeCopy && mode != models.ModeMove {
		return res, apperr.Newf(apperr.Invalid, "transfer", "unknown transfer mode %q", mode)
	}
	if len(items) == 0 {
		return res, apperr.New(apperr.Invalid, "transfer", "nothing selected")
	}
	if resolver == nil {
		resolver = StaticResolver{Decision: models.DecisionSkip}
	}

	dst := namespace.NormalizePrefix(dstPrefix)
	state := &bulkState{}
	logger := e.logger("transfer", res.OperationID)

	for _, item := range items {
		out := e.transferItem(ctx, item, dst, mode, resolver, state)
		e.metrics.TreeItems.WithLabelValues("transfer", string(out.Status)).Inc()
		res.Outcomes = append(res.Outcomes, out)
		if out.Status == models.StatusFailed && res.FirstFailure == nil {
			first := out
			res.FirstFailure = &first
		}
	}

	ev := logger.Info()
	if res.FirstFailure != nil {
		ev = logger.Warn().Str("first_failure", res.FirstFailure.Source)
	}
	ev.Str("destination", dst).Str("mode", string(mode)).Int("items", len(items)).Int("prompts", state.prompts).Msg("transfer finished")
	return res, nil
}

func failed(src, dst string, err error) models.ItemOutcome {
	return models.ItemOutcome{Source: src, Destination: dst, Status: models.StatusFailed, Reason: err.Error(), Err: err}
}

func skipped(src, dst, reason string) models.ItemOutcome {
	return models.ItemOutcome{Source: src, Destination: dst, Status: models.StatusSkipped, Reason: reason}
}

func (e *Engine) transferItem(ctx context.Context, item models.TransferItem, dst string, mode models.TransferMode, resolver Resolver, state *bulkState) models.ItemOutcome {
	var src, target string
	if item.IsFolder {
		src = namespace.NormalizePrefix(item.Path)
		if src == "" {
			return failed(item.Path, "", apperr.New(apperr.Invalid, "transfer", "the container root cannot be transferred"))
		}
		target = dst + namespace.BaseName(src) + namespace.Delimiter
	} else {
		src = namespace.NormalizeKey(item.Path)
		if src == "" {
			return failed(item.Path, "", apperr.New(apperr.Invalid, "transfer", "empty file key"))
		}
		target = dst + namespace.BaseName(src)
	}

	// Identity first: no network call for a no-op.
	if namespace.Parent(src) == dst {
		return skipped(src, target, "already there")
	}
	if item.IsFolder {
		if err := CheckContainment(src, dst); err != nil {
			return failed(src, target, err)
		}
	}

	var occupied bool
	var err error
	if item.IsFolder {
		occupied, err = e.ns.Exists(ctx, target)
	} else {
		occupied, err = e.ns.FileExists(ctx, target)
	}
	if err != nil {
		return failed(src, target, apperr.AtKey("exists", target, err))
	}
	if occupied {
		decision, err := state.decide(ctx, resolver, Conflict{Source: src, Destination: target, IsFolder: item.IsFolder})
		if err != nil {
			return failed(src, target, err)
		}
		if decision == models.DecisionSkip {
			return skipped(src, target, "destination exists")
		}
	}

	move := mode == models.ModeMove
	status := models.StatusCopied
	if move {
		status = models.StatusMoved
	}

	if item.IsFolder {
		op := "copy"
		if move {
			op = "move"
		}
		tr, err := e.transferFolder(ctx, op, src, target, move)
		if err != nil {
			return failed(src, target, err)
		}
		if tr.SourceEmpty {
			return skipped(src, target, "source empty")
		}
		return models.ItemOutcome{Source: src, Destination: target, Status: status}
	}

	if err := e.CopyOne(ctx, src, target); err != nil {
		return failed(src, target, apperr.AtKey("copy", src, err))
	}
	if move {
		if err := e.DeleteOne(ctx, src); err != nil {
			return failed(src, target, apperr.AtKey("delete", src, err))
		}
	}
	return models.ItemOutcome{Source: src, Destination: target, Status: status}
}
