// Package command implements the slash-command surface of the chat gateway.
// Commands declare a typed positional argument table; the registry binds raw
// words against it and reports binding problems as chat messages, never as
// connection errors.
package command

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/synthlab/chatgate/internal/chat"
	"github.com/synthlab/chatgate/internal/store"
	"github.com/synthlab/chatgate/internal/vector"
)

// ResponseType tells the gateway what to do after a command ran.
type ResponseType int

const (
	// SendAndStop relays the payload as a server message and ends the turn.
	SendAndStop ResponseType = iota
	// SendAndContinue relays the payload, then treats it as a user turn and
	// generates a reply.
	SendAndContinue
	// HandleUser records the payload as a user message without generating.
	HandleUser
	// HandleGPT generates a reply from the current context as-is.
	HandleGPT
	// HandleBoth records the payload as a user message, then generates.
	HandleBoth
	// Nothing ends the turn silently.
	Nothing
	// Repeat re-dispatches the payload as another command line.
	Repeat
)

// Kind is the coercion applied to a positional argument.
type Kind int

const (
	Text Kind = iota
	Int
	Float
)

// Arg declares one positional parameter. A Greedy text argument consumes all
// remaining words joined by spaces and must come last.
type Arg struct {
	Name     string
	Kind     Kind
	Optional bool
	Default  Value
	Greedy   bool
}

// Value is a bound argument in its coerced form.
type Value struct {
	Text  string
	Int   int64
	Float float64
}

// Deps are the services commands can reach.
type Deps struct {
	Conversations *store.ConversationStore
	Rooms         *store.RoomStore
	Messages      *chat.Messages
	Vectors       vector.Index
	Models        *chat.Registry
}

// Invocation is one command call bound to the caller's room.
type Invocation struct {
	Ctx    *chat.Context
	Buffer *chat.Buffer
	Args   []Value
	Deps   *Deps
}

// Handler runs a command. The returned payload's meaning depends on the
// response type. An error is an internal failure, not a user mistake.
type Handler func(ctx context.Context, inv *Invocation) (string, ResponseType, error)

// Command is one registered slash command.
type Command struct {
	Name string
	Help string
	Args []Arg
	Run  Handler
}

// Registry dispatches slash commands.
type Registry struct {
	commands map[string]*Command
	deps     *Deps
}

func NewRegistry(deps *Deps) *Registry {
	r := &Registry{commands: make(map[string]*Command), deps: deps}
	r.registerBuiltins()
	return r
}

func (r *Registry) Register(cmd *Command) { r.commands[cmd.Name] = cmd }

// maxRepeatDepth bounds Repeat chains so a command cannot loop forever.
const maxRepeatDepth = 4

var (
	errNotEnough = errors.New("Not enough arguments")
	errWrongType = errors.New("Wrong argument type")
)

// Execute parses and runs one command line (without the leading slash).
// User mistakes come back as SendAndStop payloads; only internal failures
// surface as errors.
func (r *Registry) Execute(ctx context.Context, line string, c *chat.Context, buf *chat.Buffer) (string, ResponseType, error) {
	return r.execute(ctx, line, c, buf, 0)
}

func (r *Registry) execute(ctx context.Context, line string, c *chat.Context, buf *chat.Buffer, depth int) (string, ResponseType, error) {
	if depth > maxRepeatDepth {
		return "Command chain too deep.", SendAndStop, nil
	}
	words := strings.Fields(line)
	if len(words) == 0 {
		return "Sorry, I don't know what you mean by...", SendAndStop, nil
	}
	name := strings.TrimPrefix(words[0], "/")
	if strings.HasPrefix(name, "_") {
		return "Command name cannot start with '_'", SendAndStop, nil
	}
	cmd, ok := r.commands[name]
	if !ok {
		return "Sorry, I don't know what you mean by...", SendAndStop, nil
	}

	values, err := bind(cmd.Args, words[1:])
	switch {
	case errors.Is(err, errNotEnough):
		return errNotEnough.Error(), SendAndStop, nil
	case errors.Is(err, errWrongType):
		return errWrongType.Error(), SendAndStop, nil
	case err != nil:
		return "", Nothing, err
	}

	payload, rt, err := cmd.Run(ctx, &Invocation{Ctx: c, Buffer: buf, Args: values, Deps: r.deps})
	if err != nil {
		return "", Nothing, err
	}
	if rt == Repeat {
		return r.execute(ctx, payload, c, buf, depth+1)
	}
	return payload, rt, nil
}

// bind coerces raw words against the declared table.
func bind(args []Arg, raw []string) ([]Value, error) {
	values := make([]Value, 0, len(args))
	for _, a := range args {
		if len(raw) == 0 {
			if !a.Optional {
				return nil, errNotEnough
			}
			values = append(values, a.Default)
			continue
		}
		var word string
		if a.Greedy {
			word = strings.Join(raw, " ")
			raw = nil
		} else {
			word = raw[0]
			raw = raw[1:]
		}
		switch a.Kind {
		case Text:
			values = append(values, Value{Text: word})
		case Int:
			n, err := strconv.ParseInt(word, 10, 64)
			if err != nil {
				return nil, errWrongType
			}
			values = append(values, Value{Int: n})
		case Float:
			f, err := strconv.ParseFloat(word, 64)
			if err != nil {
				return nil, errWrongType
			}
			values = append(values, Value{Float: f})
		}
	}
	return values, nil
}

// helpText assembles the /help output from every registered command.
func (r *Registry) helpText() string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var lines []string
	for _, name := range names {
		if help := r.commands[name].Help; help != "" {
			lines = append(lines, help)
		}
	}
	return strings.Join(lines, "\n\n")
}
