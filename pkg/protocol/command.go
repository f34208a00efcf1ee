package protocol

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Commands understood by a peer.
const (
	CmdPing     = "PING"
	CmdList     = "LIST"
	CmdGet      = "GET"
	CmdPeers    = "PEERS"
	CmdAnnounce = "ANNOUNCE"
	CmdUpload   = "UPLOAD"
)

// Text responses.
const (
	RespPong        = "PONG"
	RespPeerAdded   = "OK PEER_ADDED"
	RespPeerUpdated = "OK PEER_UPDATED"
	RespReady       = "READY"
	RespSuccess     = "SUCCESS"

	// ErrorMarker starts every text error line.
	ErrorMarker = "ERREUR"
)

const (
	// MaxTokens is the command name plus up to three arguments.
	MaxTokens = 4
	// MaxLineLength bounds a single command or response line.
	MaxLineLength = 4096
)

// Command is one parsed request line.
type Command struct {
	Name string
	Args []string
}

// EscapeArg makes an argument safe to place on a command line: it never
// contains whitespace afterwards. Plain names are returned unchanged.
func EscapeArg(arg string) string {
	return url.PathEscape(arg)
}

func UnescapeArg(arg string) (string, error) {
	return url.PathUnescape(arg)
}

// FormatCommand renders a request line without the trailing newline.
func FormatCommand(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, arg := range args {
		parts = append(parts, EscapeArg(arg))
	}
	return strings.Join(parts, " ")
}

// ParseCommand splits a request line on whitespace and unescapes the
// arguments. Empty lines and lines with more than MaxTokens tokens are rejected.
func ParseCommand(line string) (Command, error) {
	if len(line) > MaxLineLength {
		return Command{}, fmt.Errorf("command line of %d bytes exceeds %d", len(line), MaxLineLength)
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	if len(fields) > MaxTokens {
		return Command{}, fmt.Errorf("too many arguments: %d tokens, at most %d", len(fields), MaxTokens)
	}

	cmd := Command{Name: strings.ToUpper(fields[0])}
	for _, raw := range fields[1:] {
		arg, err := UnescapeArg(raw)
		if err != nil {
			return Command{}, fmt.Errorf("malformed argument %q: %w", raw, err)
		}
		cmd.Args = append(cmd.Args, arg)
	}
	return cmd, nil
}

// Expect checks the argument count against [lo, hi].
func (c Command) Expect(lo, hi int) error {
	if n := len(c.Args); n < lo || n > hi {
		if lo == hi {
			return fmt.Errorf("%s takes %d arguments, got %d", c.Name, lo, n)
		}
		return fmt.Errorf("%s takes %d to %d arguments, got %d", c.Name, lo, hi, n)
	}
	return nil
}

func (c Command) String() string {
	return FormatCommand(c.Name, c.Args...)
}

// ErrorLine renders a text error response.
func ErrorLine(reason string) string {
	return fmt.Sprintf("%s: %s", ErrorMarker, reason)
}

// IsErrorLine reports whether a response line is an error.
func IsErrorLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), ErrorMarker)
}

// ErrorReason extracts the human readable part of an error line.
func ErrorReason(line string) string {
	reason := strings.TrimPrefix(strings.TrimSpace(line), ErrorMarker)
	return strings.TrimSpace(strings.TrimPrefix(reason, ":"))
}

func FormatPong(name string, port int) string {
	return fmt.Sprintf("%s %s %d", RespPong, EscapeArg(name), port)
}

// ParsePong reads "PONG <name> <port>". A bare "PONG" is accepted with an
// empty name and a zero port.
func ParsePong(line string) (string, int, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != RespPong {
		return "", 0, fmt.Errorf("unexpected ping response %q", line)
	}
	switch len(fields) {
	case 1:
		return "", 0, nil
	case 2:
		// either the name or the port is missing
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			name, _ := UnescapeArg(fields[1])
			return name, 0, nil
		}
		return "", port, nil
	default:
		name, err := UnescapeArg(fields[1])
		if err != nil {
			return "", 0, fmt.Errorf("malformed name in ping response: %w", err)
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return "", 0, fmt.Errorf("malformed port in ping response: %w", err)
		}
		return name, port, nil
	}
}
