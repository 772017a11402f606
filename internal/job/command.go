package job

import (
	"errors"
	"fmt"
	"strings"
)

// CommandKind selects how the executor runs a job.
type CommandKind int

const (
	// KindShell runs a command line in a subprocess.
	KindShell CommandKind = iota
	// KindFunc calls a function registered in the process.
	KindFunc
	// KindHTTP issues an HTTP request.
	KindHTTP
)

func (k CommandKind) String() string {
	switch k {
	case KindShell:
		return "shell"
	case KindFunc:
		return "func"
	case KindHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// Command is a decoded job payload. The tagged string forms
// ("shell:...", "func:...", "http:...") are parsed exactly once, at job
// creation time; the executor dispatches on Kind, never on string prefixes.
type Command struct {
	Kind   CommandKind
	Target string
}

var ErrEmptyCommand = errors.New("job: empty command")

// ParseCommand decodes a tagged command string. An untagged string is a
// shell command. "http://..." and "https://..." are URLs, not tags.
func ParseCommand(raw string) (Command, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Command{}, ErrEmptyCommand
	}

	tag, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Command{Kind: KindShell, Target: s}, nil
	}
	switch strings.ToLower(tag) {
	case "shell":
		return Command{Kind: KindShell, Target: strings.TrimSpace(rest)}, nil
	case "func":
		name := strings.TrimSpace(rest)
		if name == "" {
			return Command{}, fmt.Errorf("job: func command needs a function name")
		}
		return Command{Kind: KindFunc, Target: name}, nil
	case "http", "https":
		// "http:host/path" tags a URL; "http://host/path" already is one.
		url := strings.TrimSpace(rest)
		if strings.HasPrefix(url, "//") {
			url = tag + ":" + url
		}
		if url == "" {
			return Command{}, fmt.Errorf("job: http command needs a URL")
		}
		return Command{Kind: KindHTTP, Target: url}, nil
	default:
		// Unknown tag: treat the whole string as a shell command line
		// only when it plausibly is one (contains whitespace before the
		// colon is impossible here, so reject to avoid silent misroutes).
		if strings.ContainsAny(tag, " \t/\\.$(){}") {
			return Command{Kind: KindShell, Target: s}, nil
		}
		return Command{}, fmt.Errorf("job: unknown command tag %q", tag)
	}
}

// String re-encodes the command in its tagged form for storage.
func (c Command) String() string {
	switch c.Kind {
	case KindFunc:
		return "func:" + c.Target
	case KindHTTP:
		return "http:" + c.Target
	default:
		return "shell:" + c.Target
	}
}
