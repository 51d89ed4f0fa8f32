package workflow

import (
	"github.com/verdantlab/plantstage/internal/archive"
)

// ArchiveRun snapshots the session into a completed-run record. The session
// itself is never persisted; this is the only thing that outlives it.
func (s *Session) ArchiveRun() *archive.Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &archive.Run{
		ID:            s.id,
		Model:         s.model,
		Prompt:        s.activePrompt(),
		LiftCm:        s.geom.LiftHeightCm,
		VisualTotalCm: s.geom.VisualTotalCm,
		IsFallback:    s.isFallback,
	}
	if s.product != nil {
		run.ProductName = s.product.Name
	}
	if s.container != nil {
		run.ContainerName = s.container.Name
	}
	if s.scene != nil {
		run.SceneName = s.scene.Name
	}

	if !s.baseImage.IsZero() && !s.baseImage.IsError() {
		run.Images = append(run.Images, archive.RunImage{Kind: archive.KindBase, Ref: s.baseImage.String()})
	}
	for i, ref := range s.hist.Items() {
		run.Images = append(run.Images, archive.RunImage{Kind: archive.KindHistory, Position: i, Ref: ref.String()})
	}
	for i, ref := range s.finalImages {
		run.Images = append(run.Images, archive.RunImage{Kind: archive.KindFinal, Position: i, Ref: ref.String()})
	}
	return run
}
