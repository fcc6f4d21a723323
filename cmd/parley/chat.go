package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/harunnryd/parley/internal/client"
	"github.com/harunnryd/parley/internal/conversation"
	"github.com/harunnryd/parley/internal/event"

	"github.com/google/shlex"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running Parley server",
	Long:  `Opens an interactive chat against a Parley server, rendering each reply as it streams. Slash commands switch model, permission mode or conversation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("url")
		if baseURL == "" {
			host, port := "127.0.0.1", 8080
			if cfg != nil {
				host, port = cfg.Server.Host, cfg.Server.Port
			}
			baseURL = fmt.Sprintf("http://%s:%d", host, port)
		}
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			user = os.Getenv("USER")
		}
		if user == "" {
			user = "cli"
		}

		repl := newChatREPL(client.New(baseURL, user, http.DefaultClient), cmd.InOrStdin(), cmd.OutOrStdout())
		repl.conversationID, _ = cmd.Flags().GetString("conversation")
		repl.model, _ = cmd.Flags().GetString("model")
		repl.mode, _ = cmd.Flags().GetString("mode")
		if repl.conversationID == "" {
			repl.conversationID = ulid.Make().String()
		}
		return repl.Run(cmd.Context())
	},
}

type chatREPL struct {
	client *client.Client
	reader *bufio.Reader
	out    io.Writer

	conversationID string
	model          string
	mode           string
	messages       []conversation.Message
}

func newChatREPL(c *client.Client, in io.Reader, out io.Writer) *chatREPL {
	return &chatREPL{client: c, reader: bufio.NewReader(in), out: out}
}

func (r *chatREPL) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Fprintf(r.out, "Parley chat: conversation %s\n", r.conversationID)
	fmt.Fprintln(r.out, "Type '/help' for commands, '/exit' to quit.")

	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(r.out, "> ")
		line, err := r.reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			if quit := r.handleLine(ctx, line); quit {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// handleLine runs one input line and reports whether the loop should end.
func (r *chatREPL) handleLine(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		r.sendTurn(ctx, line)
		return false
	}

	parts, err := shlex.Split(line)
	if err != nil {
		parts = strings.Fields(line)
	}
	if len(parts) == 0 {
		return false
	}

	switch cmd, args := parts[0], parts[1:]; cmd {
	case "/exit", "/quit":
		return true
	case "/model":
		if len(args) != 1 {
			r.note("usage: /model <name>")
			return false
		}
		r.model = args[0]
		r.note("model set to " + r.model)
	case "/mode":
		if len(args) != 1 {
			r.note("usage: /mode <default|acceptEdits|plan|bypassPermissions>")
			return false
		}
		r.mode = args[0]
		r.note("permission mode set to " + r.mode)
	case "/new":
		r.conversationID = ulid.Make().String()
		r.messages = nil
		r.note("started conversation " + r.conversationID)
	case "/close":
		if err := r.client.DeleteConversation(ctx, r.conversationID); err != nil {
			r.fail(err.Error())
			return false
		}
		r.note("server session closed")
	case "/history":
		for _, msg := range r.messages {
			fmt.Fprintln(r.out, formatMessage(msg))
		}
	case "/help":
		r.note("/model <name>  /mode <mode>  /new  /close  /history  /exit")
	default:
		r.note("unknown command: " + cmd)
	}
	return false
}

func (r *chatREPL) sendTurn(ctx context.Context, text string) {
	sig := NewSignalHandler(ctx)
	sig.Start()
	defer sig.Stop()

	r.messages = append(r.messages, conversation.NewUser(text), conversation.NewAssistant())
	view := &turnView{out: r.out}
	fmt.Fprintln(r.out, roleStyle.Render("assistant"))

	err := r.client.Chat(sig.Context(), client.ChatRequest{
		ConversationID: r.conversationID,
		Message:        text,
		ModelName:      r.model,
		PermissionMode: r.mode,
	}, func(ev event.Event) {
		r.messages = conversation.Apply(r.messages, ev)
		view.render(r.messages[len(r.messages)-1], ev)
	})
	view.finish()

	switch {
	case sig.Interrupted():
		r.note("interrupted")
	case err != nil:
		r.fail(err.Error())
	}
}

func (r *chatREPL) note(s string) {
	fmt.Fprintln(r.out, noteStyle.Render(s))
}

func (r *chatREPL) fail(s string) {
	fmt.Fprintln(r.out, errorStyle.Render("error: "+s))
}

// turnView prints a streaming reply. Text events carry the whole reply so
// far; only the unseen suffix is written unless the text was rewritten.
type turnView struct {
	out       io.Writer
	printed   string
	toolState map[string]event.ToolStatus
	midLine   bool
}

func (v *turnView) render(msg conversation.Message, ev event.Event) {
	switch e := ev.(type) {
	case event.TextDelta:
		if strings.HasPrefix(msg.Content, v.printed) {
			fmt.Fprint(v.out, msg.Content[len(v.printed):])
		} else {
			v.breakLine()
			fmt.Fprint(v.out, msg.Content)
		}
		v.printed = msg.Content
		v.midLine = !strings.HasSuffix(msg.Content, "\n") && msg.Content != ""
	case event.ToolCallEvent:
		if v.toolState == nil {
			v.toolState = make(map[string]event.ToolStatus)
		}
		for _, call := range msg.ToolCalls {
			if call.ToolName != e.ToolCall.ToolName || v.toolState[call.ToolName] == call.Status {
				continue
			}
			v.toolState[call.ToolName] = call.Status
			v.breakLine()
			fmt.Fprintln(v.out, formatToolCall(call.ToolName, string(call.Status), call.Label))
		}
	case event.Plan:
		v.breakLine()
		for _, entry := range e.Entries {
			fmt.Fprintln(v.out, noteStyle.Render(fmt.Sprintf("  [%s] %s", entry.Status, entry.Content)))
		}
	case event.Error:
		v.breakLine()
		fmt.Fprintln(v.out, errorStyle.Render("error: "+conversation.ErrorText(e)))
	case event.Finish:
		v.breakLine()
		if e.StopReason != "" {
			fmt.Fprintln(v.out, noteStyle.Render("("+e.StopReason+")"))
		}
	}
}

func (v *turnView) breakLine() {
	if v.midLine {
		fmt.Fprintln(v.out)
		v.midLine = false
	}
}

func (v *turnView) finish() {
	v.breakLine()
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("url", "", "server base URL (default from server.host and server.port)")
	chatCmd.Flags().String("user", "", "user id sent as X-User-ID (default $USER)")
	chatCmd.Flags().StringP("conversation", "c", "", "conversation id to continue (default: new)")
	chatCmd.Flags().StringP("model", "m", "", "model name (default: server default)")
	chatCmd.Flags().String("mode", "", "permission mode (default: server default)")
}
