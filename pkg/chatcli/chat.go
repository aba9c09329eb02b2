// Package chatcli is a terminal chat client for a relay gateway. It speaks
// the OpenAI chat completions API, so it works against any compatible
// endpoint.
//
// Example usage:
//
//	chat := chatcli.New("http://localhost:8000/v1",
//	    chatcli.WithModel("aipi/anthropic/claude-3-opus"),
//	    chatcli.WithSession("work"),
//	)
//	if err := chat.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package chatcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/entrhq/relay/pkg/server"
	"github.com/entrhq/relay/pkg/types"
)

// Chat is an interactive conversation with the gateway.
type Chat struct {
	client  openai.Client
	model   string
	session string
	stream  bool
	color   bool

	in     LineReader
	out    io.Writer
	copyFn func(string) error

	history   []types.Message
	lastReply string
}

// Option configures a Chat.
type Option func(*Chat)

// WithModel sets the model ID sent with each request.
func WithModel(model string) Option {
	return func(c *Chat) { c.model = model }
}

// WithSession selects the gateway session.
func WithSession(name string) Option {
	return func(c *Chat) { c.session = name }
}

// WithStreaming toggles incremental output (default on).
func WithStreaming(on bool) Option {
	return func(c *Chat) { c.stream = on }
}

// WithColor forces styling on or off. By default it follows the terminal.
func WithColor(on bool) Option {
	return func(c *Chat) { c.color = on }
}

// WithIO replaces the terminal.
func WithIO(in LineReader, out io.Writer) Option {
	return func(c *Chat) {
		c.in = in
		c.out = out
	}
}

// WithClipboard replaces the system clipboard used by /copy.
func WithClipboard(fn func(string) error) Option {
	return func(c *Chat) { c.copyFn = fn }
}

// New returns a chat against the gateway at baseURL, e.g.
// "http://localhost:8000/v1".
func New(baseURL string, opts ...Option) *Chat {
	c := &Chat{
		stream: true,
		color:  colorSupported(),
		out:    os.Stdout,
		copyFn: clipboard.WriteAll,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.in == nil {
		c.in = NewLineReader(os.Stdin, c.out)
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithAPIKey("relay"),
		option.WithMaxRetries(0),
	}
	if c.session != "" {
		reqOpts = append(reqOpts, option.WithHeader(server.SessionHeader, c.session))
	}
	c.client = openai.NewClient(reqOpts...)
	return c
}

// History returns the conversation so far.
func (c *Chat) History() []types.Message {
	return append([]types.Message(nil), c.history...)
}

// Run reads prompts until the user quits, input ends or ctx is cancelled.
func (c *Chat) Run(ctx context.Context) error {
	defer c.in.Close()

	fmt.Fprintln(c.out, c.paint(headerStyle, "relay chat"))
	fmt.Fprintln(c.out, c.paint(tipsStyle, "Commands: /clear /model <id> /models /copy /help, quit to exit."))
	fmt.Fprintln(c.out)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := c.in.ReadLine("you> ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit" || input == "q":
			return nil
		case strings.HasPrefix(input, "/"):
			c.command(ctx, input)
			continue
		}

		if err := c.ask(ctx, input); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(c.out, c.paint(errorStyle, "error: "+err.Error()))
		}
	}
}

func (c *Chat) command(ctx context.Context, input string) {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/clear":
		c.history = nil
		c.lastReply = ""
		c.info("conversation cleared")
	case "/model":
		if arg == "" {
			c.info("model: " + c.displayModel())
			return
		}
		c.model = arg
		c.info("model set to " + arg)
	case "/models":
		c.listModels(ctx)
	case "/copy":
		if c.lastReply == "" {
			c.info("nothing to copy")
			return
		}
		if err := c.copyFn(c.lastReply); err != nil {
			fmt.Fprintln(c.out, c.paint(errorStyle, "copy failed: "+err.Error()))
			return
		}
		c.info("copied last reply to clipboard")
	case "/help":
		c.info("/clear        start a new conversation")
		c.info("/model <id>   switch model")
		c.info("/models       list gateway models")
		c.info("/copy         copy the last reply")
	default:
		fmt.Fprintln(c.out, c.paint(errorStyle, "unknown command "+name))
	}
}

func (c *Chat) info(msg string) {
	fmt.Fprintln(c.out, c.paint(infoStyle, msg))
}

func (c *Chat) displayModel() string {
	if c.model == "" {
		return "(gateway default)"
	}
	return c.model
}

func (c *Chat) listModels(ctx context.Context) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		fmt.Fprintln(c.out, c.paint(errorStyle, "list models: "+err.Error()))
		return
	}
	for _, m := range page.Data {
		marker := "  "
		if m.ID == c.model {
			marker = "* "
		}
		fmt.Fprintln(c.out, marker+m.ID+c.paint(tipsStyle, " ("+m.OwnedBy+")"))
	}
}

// ask sends input with the conversation so far and records the reply. A
// failed request leaves the history unchanged.
func (c *Chat) ask(ctx context.Context, input string) error {
	msgs := append(c.History(), types.NewUserMessage(input))
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toParams(msgs),
	}
	if c.session != "" {
		params.User = openai.String(c.session)
	}

	fmt.Fprint(c.out, c.paint(promptStyle, "assistant> "))
	var (
		reply string
		err   error
	)
	if c.stream {
		reply, err = c.streamReply(ctx, params)
	} else {
		reply, err = c.reply(ctx, params)
	}
	if err != nil {
		fmt.Fprintln(c.out)
		return err
	}

	c.history = append(msgs, types.NewAssistantMessage(reply))
	c.lastReply = reply
	return nil
}

func (c *Chat) reply(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("gateway returned no choices")
	}
	content := completion.Choices[0].Message.Content
	if c.color {
		fmt.Fprintln(c.out, Highlight(content))
	} else {
		fmt.Fprintln(c.out, content)
	}
	return content, nil
}

func (c *Chat) streamReply(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		d := chunk.Choices[0].Delta.Content
		sb.WriteString(d)
		fmt.Fprint(c.out, d)
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	fmt.Fprintln(c.out)
	return sb.String(), nil
}

func toParams(messages []types.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case types.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
