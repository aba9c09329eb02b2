package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/types"
)

// plan is what one round-trip sends. With continueURL set, the conversation
// already holds the history and only prompt is sent there; otherwise a new
// chat is opened and replay is sent first.
type plan struct {
	flow        *provider.Flow
	model       string
	continueURL string
	replay      []string
	prompt      string
}

// newPlan builds the plan for messages. continueURL may be empty.
func newPlan(flow *provider.Flow, model string, messages []types.Message, continueURL string) plan {
	last := len(messages) - 1
	p := plan{flow: flow, model: model, prompt: messages[last].Content}
	if continueURL != "" {
		p.continueURL = continueURL
		return p
	}

	var system []string
	for _, m := range messages[:last] {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Content)
		case types.RoleUser:
			p.replay = append(p.replay, m.Content)
		}
	}
	if len(system) > 0 {
		// The front-ends have no system slot; instructions lead the first prompt.
		lead := strings.Join(system, "\n\n")
		if len(p.replay) > 0 {
			p.replay[0] = lead + "\n\n" + p.replay[0]
		} else {
			p.prompt = lead + "\n\n" + p.prompt
		}
	}
	return p
}

// roundTrip drives one plan through a driver. It runs inside a session lane.
type roundTrip struct {
	driver browser.Driver
	flow   *provider.Flow
	poll   time.Duration
	settle int
	log    *logging.Logger
}

// run executes p and returns the reply to its final prompt and the page it was
// read from.
func (r *roundTrip) run(ctx context.Context, p plan, onDelta func(string)) (reply, url string, err error) {
	target := r.flow.NewChatURL
	if p.continueURL != "" {
		target = p.continueURL
	}
	if err := r.driver.Navigate(ctx, target); err != nil {
		return "", "", fmt.Errorf("open %s: %w", target, err)
	}
	if err := r.ready(ctx); err != nil {
		return "", "", err
	}

	if p.continueURL == "" {
		r.selectModel(ctx, p.model)
		for i, prompt := range p.replay {
			if _, err := r.send(ctx, prompt, nil); err != nil {
				return "", "", fmt.Errorf("replay message %d: %w", i+1, err)
			}
		}
	}

	reply, err = r.send(ctx, p.prompt, onDelta)
	if err != nil {
		return "", "", err
	}
	return reply, r.driver.CurrentURL(), nil
}

// ready waits for the prompt input, reporting types.ErrLoggedOut when the page
// asks for a sign-in instead.
func (r *roundTrip) ready(ctx context.Context) error {
	if r.loggedOut(ctx) {
		return types.ErrLoggedOut
	}
	if err := r.driver.WaitFor(ctx, r.flow.Chat.PromptInput, remaining(ctx)); err != nil {
		if r.loggedOut(ctx) {
			return types.ErrLoggedOut
		}
		return fmt.Errorf("prompt input: %w", err)
	}
	return nil
}

func (r *roundTrip) loggedOut(ctx context.Context) bool {
	if r.flow.IsLoginURL(r.driver.CurrentURL()) {
		return true
	}
	if r.flow.Chat.LoggedOut == "" {
		return false
	}
	out, err := r.driver.Exists(ctx, r.flow.Chat.LoggedOut)
	return err == nil && out
}

// selectModel picks model in the page's model menu. The page default is kept
// when the model has no picker or picking fails.
func (r *roundTrip) selectModel(ctx context.Context, model string) {
	m, ok := r.flow.Model(model)
	if !ok || m.Selector == "" || r.flow.Chat.ModelMenu == "" {
		return
	}
	err := r.driver.WaitFor(ctx, r.flow.Chat.ModelMenu, remaining(ctx))
	if err == nil {
		err = r.driver.Click(ctx, r.flow.Chat.ModelMenu)
	}
	if err == nil {
		err = r.driver.WaitFor(ctx, m.Selector, remaining(ctx))
	}
	if err == nil {
		err = r.driver.Click(ctx, m.Selector)
	}
	if err != nil {
		r.log.Warnf("Could not select model %s, using the page default: %v", model, err)
	}
}

// send submits prompt and reads the reply it produces.
func (r *roundTrip) send(ctx context.Context, prompt string, onDelta func(string)) (string, error) {
	sel := r.flow.Chat
	baseline, err := r.readLatest(ctx)
	if err != nil {
		return "", err
	}
	if err := r.driver.WaitFor(ctx, sel.PromptInput, remaining(ctx)); err != nil {
		return "", fmt.Errorf("prompt input: %w", err)
	}
	if err := r.driver.Type(ctx, sel.PromptInput, prompt); err != nil {
		return "", fmt.Errorf("type prompt: %w", err)
	}
	if err := r.driver.Press(ctx, sel.PromptInput, sel.SubmitKey); err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	return r.readReply(ctx, baseline, onDelta)
}

// readLatest returns the text of the newest reply, or "" when there is none.
func (r *roundTrip) readLatest(ctx context.Context) (string, error) {
	text, err := r.driver.ReadText(ctx, r.flow.Chat.Response)
	if errors.Is(err, browser.ErrNoElement) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return text, nil
}

// readReply polls the newest reply until it is complete. The reply counts as
// started once the newest reply differs from baseline. It is complete when the
// completion indicator, having been absent since the submit, shows again and
// the text held still for a poll. A started reply whose text has not changed
// for settle polls is also complete. An unstarted reply never settles: the
// page may still be showing the previous answer.
func (r *roundTrip) readReply(ctx context.Context, baseline string, onDelta func(string)) (string, error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	var (
		text    string
		started bool
		busy    bool
		stable  int
	)
	for {
		// Read the indicator before the text so a complete reading implies
		// the text that follows is final.
		complete := r.complete(ctx)
		if !complete {
			busy = true
		}

		current, err := r.readLatest(ctx)
		if err != nil {
			return "", err
		}
		if !started && current != baseline {
			started = true
		}

		changed := started && current != text
		if changed {
			if strings.HasPrefix(current, text) {
				emit(onDelta, current[len(text):])
			} else {
				r.log.Debugf("Reply was rewritten while streaming; later deltas follow the new text")
			}
			text = current
			stable = 0
		} else if started {
			stable++
		}

		switch {
		case started && busy && complete && !changed:
			return text, nil
		case !started && busy && complete:
			// The page finished a reply identical to the previous one.
			emit(onDelta, current)
			return current, nil
		case started && stable >= r.settle:
			r.log.Debugf("Reply stable for %d polls without a fresh completion indicator", r.settle)
			return text, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for reply: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// complete reports whether the flow's completion indicator is showing. Flows
// without one never report completion.
func (r *roundTrip) complete(ctx context.Context) bool {
	if r.flow.Chat.Complete == "" {
		return false
	}
	done, err := r.driver.Exists(ctx, r.flow.Chat.Complete)
	return err == nil && done
}

func emit(onDelta func(string), delta string) {
	if onDelta != nil && delta != "" {
		onDelta(delta)
	}
}

// remaining is the time left before ctx's deadline, or zero without one.
func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return 0
}
