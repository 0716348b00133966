package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rabbitreels/rabbitreels/internal/domain"
	"github.com/rabbitreels/rabbitreels/internal/themes"
)

// Renderer turns a dialog script into an MP4 on local storage and returns
// the storage path.
type Renderer interface {
	Render(ctx domain.Context, job domain.DialogJob) (string, error)
}

// StubRenderer validates the script against the theme registry and writes a
// placeholder MP4 container. It stands in for the TTS-and-compositing
// pipeline so the orchestration path can run end to end without GPU hosts.
type StubRenderer struct {
	OutDir  string
	Themes  *themes.Registry
	PerTurn time.Duration
}

// mp4Header is a minimal ftyp box so downstream tooling sniffs the file as
// video/mp4.
var mp4Header = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
	'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00,
	'i', 's', 'o', 'm', 'm', 'p', '4', '1',
}

// Render implements Renderer.
func (r StubRenderer) Render(ctx domain.Context, job domain.DialogJob) (string, error) {
	theme, ok := r.Themes.Get(job.CharacterTheme)
	if !ok {
		return "", fmt.Errorf("op=render: theme %q: %w", job.CharacterTheme, domain.ErrInvalidArgument)
	}
	if len(job.Turns) == 0 {
		return "", fmt.Errorf("op=render: empty script: %w", domain.ErrInvalidArgument)
	}
	for _, turn := range job.Turns {
		if !theme.HasCharacter(turn.Speaker) {
			return "", fmt.Errorf("op=render: unknown speaker %q in theme %q: %w", turn.Speaker, theme.Name, domain.ErrInvalidArgument)
		}
		if r.PerTurn > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(r.PerTurn):
			}
		}
	}

	if err := os.MkdirAll(r.OutDir, 0o755); err != nil {
		return "", fmt.Errorf("op=render: %w", err)
	}
	path := filepath.Join(r.OutDir, job.JobID+".mp4")
	if err := os.WriteFile(path, mp4Header, 0o644); err != nil {
		return "", fmt.Errorf("op=render: %w", err)
	}
	return path, nil
}
