package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/logger"
)

// stampPrefix starts the comment line that records which slide revision a
// stored scene was generated from.
const stampPrefix = "# papercast revision "

// stampCode records rev on the first line of code, replacing any earlier
// stamp. An empty rev leaves the code unstamped.
func stampCode(code, rev string) string {
	code = unstamp(code)
	if rev == "" {
		return code
	}
	return stampPrefix + rev + "\n" + code
}

func unstamp(code string) string {
	if !strings.HasPrefix(code, stampPrefix) {
		return code
	}
	if i := strings.IndexByte(code, '\n'); i >= 0 {
		return code[i+1:]
	}
	return ""
}

// codeStamp returns the slide revision recorded in code, or "".
func codeStamp(code string) string {
	if !strings.HasPrefix(code, stampPrefix) {
		return ""
	}
	line := code[len(stampPrefix):]
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// revision returns the revision of a stored artifact, or "" when it is missing.
func (s *Service) revision(ctx context.Context, jobID string, key domain.ArtifactKey) (string, error) {
	ok, err := s.deps.Store.Exists(ctx, jobID, key)
	if err != nil || !ok {
		return "", err
	}
	data, err := s.deps.Store.Read(ctx, jobID, key)
	if err != nil {
		return "", err
	}
	return domain.Revision(data), nil
}

// recorded holds the input revisions a derived artifact was built from.
type recorded struct {
	TextRevision      string `json:"text_revision"`
	PlanRevision      string `json:"plan_revision"`
	ManifestRevision  string `json:"manifest_revision"`
	RendersRevision   string `json:"renders_revision"`
	NarrationRevision string `json:"narration_revision"`
}

// fresh reports whether a stored derived artifact still matches the current
// revision of its input. Kinds that are not derived are always fresh; a
// derived artifact that cannot be decoded is stale.
func (s *Service) fresh(ctx context.Context, jobID string, kind domain.ArtifactKind) (bool, error) {
	switch kind {
	case domain.KindPlan, domain.KindManifest, domain.KindRenders, domain.KindNarration, domain.KindFinal:
	default:
		return true, nil
	}
	data, err := s.deps.Store.Read(ctx, jobID, domain.Key(kind))
	if err != nil {
		return false, err
	}
	var rec recorded
	if err := json.Unmarshal(data, &rec); err != nil {
		logger.CtxWarn(ctx, "Unreadable %s artifact treated as stale: %v", kind, err)
		return false, nil
	}

	switch kind {
	case domain.KindPlan:
		return s.matches(ctx, jobID, domain.KindText, rec.TextRevision)
	case domain.KindManifest, domain.KindNarration:
		return s.matches(ctx, jobID, domain.KindPlan, rec.PlanRevision)
	case domain.KindRenders:
		return s.matches(ctx, jobID, domain.KindManifest, rec.ManifestRevision)
	default:
		ok, err := s.matches(ctx, jobID, domain.KindRenders, rec.RendersRevision)
		if err != nil || !ok {
			return ok, err
		}
		current, err := s.narrationRevision(ctx, jobID)
		return current == rec.NarrationRevision, err
	}
}

// matches compares a recorded revision with the stored input of kind.
func (s *Service) matches(ctx context.Context, jobID string, kind domain.ArtifactKind, want string) (bool, error) {
	if want == "" {
		return false, nil
	}
	current, err := s.revision(ctx, jobID, domain.Key(kind))
	if err != nil {
		return false, err
	}
	return current == want, nil
}

// narrationRevision is the revision of the current narration, or "" when
// there is none or it belongs to an earlier plan.
func (s *Service) narrationRevision(ctx context.Context, jobID string) (string, error) {
	ok, err := s.has(ctx, jobID, domain.KindNarration)
	if err != nil || !ok {
		return "", err
	}
	return s.revision(ctx, jobID, domain.Key(domain.KindNarration))
}

// resync rebuilds the cached job from the store, so a rewritten upstream
// artifact also drops the stages it invalidated, then applies fn.
func (s *Service) resync(ctx context.Context, jobID string, fn func(j *domain.Job)) (*domain.Job, error) {
	if _, err := s.Restore(ctx, jobID); err != nil {
		return nil, err
	}
	return s.deps.Index.Update(jobID, func(j *domain.Job) {
		if fn != nil {
			fn(j)
		}
	}), nil
}
