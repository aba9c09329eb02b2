package browsertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/types"
)

// Google sign-in pages the site moves through.
const (
	GoogleIdentityURL = "https://accounts.google.com/v3/signin/identifier"
	GooglePasswordURL = "https://accounts.google.com/v3/signin/challenge/pwd"
	GoogleRejectedURL = "https://accounts.google.com/v3/signin/rejected"
)

// Site scripts a provider front-end described by a provider.Flow onto the
// drivers attached to it: login redirects, the Google sign-in pages, the
// direct credential form, model picking and chat replies.
type Site struct {
	Flow *provider.Flow

	// Reply answers a prompt. Nil replies "re: <prompt>".
	Reply func(prompt string) string

	// ChunkSize, when positive, reveals each reply that many runes per
	// ReadText of the response selector, with the completion indicator hidden
	// until the reply is whole.
	ChunkSize int

	// ReplyDelay keeps the page as it was, previous reply and completion
	// indicator included, for this long after a prompt is submitted.
	ReplyDelay time.Duration

	// HideSecret keeps the password field from ever appearing.
	HideSecret atomic.Bool

	// RejectSecret sends the password submission to Google's rejection page.
	RejectSecret atomic.Bool

	// ForgetState ignores persisted state when creating drivers.
	ForgetState atomic.Bool

	mu            sync.Mutex
	loggedIn      map[*Driver]bool
	stage         map[*Driver]string
	streams       map[*Driver]*stream
	saved         map[string]bool
	replies       map[string]string // last reply per conversation URL
	prompts       []string
	models        []string
	conversations int
	logins        int
}

type stream struct {
	full  []rune
	shown int
	due   time.Time
}

// NewSite returns a site for flow. The flow must be compiled.
func NewSite(flow *provider.Flow) *Site {
	return &Site{
		Flow:     flow,
		loggedIn: make(map[*Driver]bool),
		stage:    make(map[*Driver]string),
		streams:  make(map[*Driver]*stream),
		saved:    make(map[string]bool),
		replies:  make(map[string]string),
	}
}

// Factory returns a driver factory whose drivers browse this site. A driver
// for a key whose state was persisted starts restored and signed in.
func (s *Site) Factory() *Factory {
	return &Factory{New: func(key string) (*Driver, error) {
		d := NewDriver(key)
		s.Attach(d)
		s.mu.Lock()
		if s.saved[key] && !s.ForgetState.Load() {
			d.Restored = true
			s.loggedIn[d] = true
		}
		s.mu.Unlock()
		return d, nil
	}}
}

// Attach scripts d.
func (s *Site) Attach(d *Driver) {
	d.Hook = s.hook
}

// LogOut ends the sign-in of d, as a server-side session expiry would.
func (s *Site) LogOut(d *Driver) {
	s.mu.Lock()
	delete(s.loggedIn, d)
	s.mu.Unlock()
}

// Prompts returns every prompt sent, in order.
func (s *Site) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// SelectedModels returns the model IDs picked from the model menu, in order.
func (s *Site) SelectedModels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.models...)
}

// Conversations counts conversations started.
func (s *Site) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations
}

// Logins counts completed sign-ins.
func (s *Site) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// ConversationURL returns the URL of the nth conversation.
func (s *Site) ConversationURL(n int) string {
	if s.Flow.Provider == types.ProviderChatGPT {
		return fmt.Sprintf("https://chatgpt.com/c/conv-%d", n)
	}
	return fmt.Sprintf("https://claude.ai/chat/conv-%d", n)
}

func (s *Site) reply(prompt string) string {
	if s.Reply != nil {
		return s.Reply(prompt)
	}
	return "re: " + prompt
}

func (s *Site) isLoggedIn(d *Driver) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn[d]
}

func (s *Site) hook(ctx context.Context, d *Driver, c Call) error {
	switch c.Op {
	case OpNavigate:
		s.navigate(d, c.Target)
	case OpClick:
		s.click(d, c.Target)
	case OpPress:
		if c.Target == s.Flow.Chat.PromptInput && c.Value == s.Flow.Chat.SubmitKey {
			s.send(d)
		}
	case OpReadText:
		if c.Target == s.Flow.Chat.Response {
			s.advance(d)
		}
	case OpPersist:
		s.mu.Lock()
		s.saved[d.Key()] = true
		s.mu.Unlock()
	}
	return nil
}

func (s *Site) loginSelectors() []string {
	f := s.Flow
	return []string{f.Federated.Button, f.Direct.IdentityInput, f.Direct.SecretInput, f.Direct.Submit, f.Chat.LoggedOut}
}

func (s *Site) chatSelectors() []string {
	f := s.Flow
	return []string{f.Chat.PromptInput, f.Chat.ModelMenu}
}

func (s *Site) navigate(d *Driver, url string) {
	f := s.Flow
	s.mu.Lock()
	delete(s.stage, d)
	delete(s.streams, d)
	s.mu.Unlock()

	if !s.isLoggedIn(d) {
		d.SetURL(f.LoginURL)
		d.SetPresent(false, s.chatSelectors()...)
		d.ClearText(f.Chat.Response)
		d.SetPresent(false, f.Chat.Complete)
		d.SetPresent(true, s.loginSelectors()...)
		return
	}

	if f.IsLoginURL(url) {
		url = f.NewChatURL
		d.SetURL(url)
	}
	d.SetPresent(false, s.loginSelectors()...)
	d.SetPresent(true, s.chatSelectors()...)

	s.mu.Lock()
	last, ok := s.replies[url]
	s.mu.Unlock()
	if ok {
		d.SetText(f.Chat.Response, last)
		d.SetPresent(true, f.Chat.Complete)
	} else {
		d.ClearText(f.Chat.Response)
		d.SetPresent(false, f.Chat.Complete)
	}
}

func (s *Site) click(d *Driver, selector string) {
	f := s.Flow
	s.mu.Lock()
	stage := s.stage[d]
	s.mu.Unlock()

	switch {
	case stage == "identity" && selector == f.Federated.IdentityNext:
		d.SetPresent(false, f.Federated.IdentityInput)
		d.SetURL(GooglePasswordURL)
		if !s.HideSecret.Load() {
			d.SetPresent(true, f.Federated.SecretInput)
		}
		s.setStage(d, "secret")

	case stage == "secret" && selector == f.Federated.SecretNext:
		if s.RejectSecret.Load() {
			d.SetURL(GoogleRejectedURL)
			s.setStage(d, "")
			return
		}
		s.login(d)

	case selector == f.Federated.Button && d.CurrentURL() == f.LoginURL:
		d.SetPresent(false, s.loginSelectors()...)
		d.SetURL(GoogleIdentityURL)
		d.SetPresent(true, f.Federated.IdentityInput)
		s.setStage(d, "identity")

	case selector == f.Direct.Submit && d.CurrentURL() == f.LoginURL:
		if d.Typed(f.Direct.IdentityInput) != "" && d.Typed(f.Direct.SecretInput) != "" {
			s.login(d)
		}

	case selector == f.Chat.ModelMenu:
		for _, m := range f.Models {
			d.SetPresent(true, m.Selector)
		}

	default:
		for _, m := range f.Models {
			if m.Selector == selector {
				s.mu.Lock()
				s.models = append(s.models, m.ID)
				s.mu.Unlock()
			}
		}
	}
}

func (s *Site) setStage(d *Driver, stage string) {
	s.mu.Lock()
	if stage == "" {
		delete(s.stage, d)
	} else {
		s.stage[d] = stage
	}
	s.mu.Unlock()
}

func (s *Site) login(d *Driver) {
	s.mu.Lock()
	s.loggedIn[d] = true
	s.logins++
	delete(s.stage, d)
	s.mu.Unlock()
	d.SetPresent(false, s.Flow.Federated.SecretInput)
	s.navigate(d, s.Flow.NewChatURL)
	d.SetURL(s.Flow.NewChatURL)
}

func (s *Site) send(d *Driver) {
	f := s.Flow
	prompt := d.Typed(f.Chat.PromptInput)
	reply := s.reply(prompt)

	url := d.CurrentURL()
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	if _, ok := s.replies[url]; !ok {
		s.conversations++
		url = s.ConversationURL(s.conversations)
	}
	s.replies[url] = reply
	s.streams[d] = &stream{full: []rune(reply), due: time.Now().Add(s.ReplyDelay)}
	s.mu.Unlock()

	d.SetURL(url)
	if s.ReplyDelay > 0 {
		return
	}
	if s.ChunkSize > 0 {
		d.SetText(f.Chat.Response, "")
	}
	d.SetPresent(false, f.Chat.Complete)
}

func (s *Site) advance(d *Driver) {
	s.mu.Lock()
	st := s.streams[d]
	if st == nil || time.Now().Before(st.due) {
		s.mu.Unlock()
		return
	}
	step := s.ChunkSize
	if step <= 0 {
		step = len(st.full)
	}
	st.shown = min(st.shown+step, len(st.full))
	text := string(st.full[:st.shown])
	done := st.shown == len(st.full)
	if done {
		delete(s.streams, d)
	}
	s.mu.Unlock()

	d.SetText(s.Flow.Chat.Response, text)
	d.SetPresent(done, s.Flow.Chat.Complete)
}
