// Package captcha provides challenge solvers for the login sequence.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"go.uber.org/zap"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// ErrEmptyAnswer is returned when the operator submits a blank answer.
var ErrEmptyAnswer = errors.New("empty captcha answer")

// Static answers every challenge with the same text. It suits sites that
// accept a fixed value in test environments.
type Static struct {
	Answer string
}

// Solve implements crawler.Solver.
func (s Static) Solve(ctx context.Context, _ []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("solve canceled: %w", err)
	}
	if strings.TrimSpace(s.Answer) == "" {
		return "", ErrEmptyAnswer
	}
	return s.Answer, nil
}

// AskFunc asks an operator for the text shown in the image at imagePath.
type AskFunc func(ctx context.Context, imagePath string) (string, error)

// Prompt saves the challenge image to disk and asks an operator to type the
// answer in the terminal.
type Prompt struct {
	dir    string
	clock  crawler.Clock
	ask    AskFunc
	logger *zap.Logger
}

// NewPrompt returns a Prompt writing images under dir. A nil ask uses an
// interactive terminal form.
func NewPrompt(dir string, clock crawler.Clock, ask AskFunc, logger *zap.Logger) (*Prompt, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create captcha dir: %w", err)
	}
	if ask == nil {
		ask = AskTerminal
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prompt{dir: dir, clock: clock, ask: ask, logger: logger.Named("captcha")}, nil
}

// Solve implements crawler.Solver. It blocks until the operator answers or
// ctx ends.
func (p *Prompt) Solve(ctx context.Context, image []byte) (string, error) {
	name := "captcha-" + strconv.FormatInt(p.clock.Now().UnixMilli(), 10) + extension(image)
	path := filepath.Join(p.dir, name)
	if err := os.WriteFile(path, image, 0o600); err != nil {
		return "", fmt.Errorf("write captcha image: %w", err)
	}
	p.logger.Info("captcha image saved", zap.String("path", path), zap.Int("bytes", len(image)))

	answer, err := p.ask(ctx, path)
	if err != nil {
		return "", fmt.Errorf("ask operator: %w", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", ErrEmptyAnswer
	}
	return answer, nil
}

// AskTerminal renders a single-input form on the controlling terminal.
func AskTerminal(ctx context.Context, imagePath string) (string, error) {
	var answer string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Captcha").
				Description("Open " + imagePath + " and type the characters shown.").
				Value(&answer).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return ErrEmptyAnswer
					}
					return nil
				}),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return "", fmt.Errorf("run captcha form: %w", err)
	}
	return answer, nil
}

func extension(image []byte) string {
	switch {
	case strings.HasPrefix(string(image), "GIF8"):
		return ".gif"
	case len(image) > 3 && image[0] == 0x89 && string(image[1:4]) == "PNG":
		return ".png"
	case len(image) > 2 && image[0] == 0xFF && image[1] == 0xD8:
		return ".jpg"
	default:
		return ".bin"
	}
}
