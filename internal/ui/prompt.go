package ui

import (
	"context"
	"errors"
	"os"

	"github.com/charmbracelet/huh"
)

// Prompter asks yes/no questions on the terminal. It satisfies
// backup.Prompter.
type Prompter struct {
	// In must be a terminal for a prompt to be shown; otherwise Confirm
	// answers no without asking.
	In *os.File
}

// NewPrompter returns a Prompter reading from stdin.
func NewPrompter() *Prompter {
	return &Prompter{In: os.Stdin}
}

// Confirm shows a confirmation dialog. A dismissed dialog counts as no.
func (p *Prompter) Confirm(ctx context.Context, title, description string) (bool, error) {
	if p.In == nil || !IsTerminal(p.In) {
		return false, nil
	}

	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Allow").
			Negative("Deny").
			Value(&ok),
	)).WithInput(p.In)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}
