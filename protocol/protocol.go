// Package protocol defines the linechat wire vocabulary: the handshake and
// control lines, the tokenizer that turns a client line into a Command, and the
// builders for every server-to-client line.
package protocol

import (
	"fmt"
	"strings"
)

// Handshake and control lines.
const (
	NickPrompt     = "NICK?"
	NickAssigned   = "NICK:"
	Bye            = "BYE"
	QuitMarker     = "/종료"
	WhoCommand     = "/who"
	WhisperCommand = "/w"

	// DefaultNickname is the base name used when a client asks for a blank one.
	DefaultNickname = "guest"

	rosterPrefix  = "접속자:"
	systemPrefix  = "[시스템] "
	whisperPrefix = WhisperCommand + " "
)

// CommandKind tags the variant held by a Command.
type CommandKind int

const (
	Empty     CommandKind = iota // blank line, ignored
	Quit                         // orderly disconnect request
	Who                          // roster request
	Whisper                      // private message to Target
	Chat                         // broadcast text
	Malformed                    // "/w" without both target and body
)

// String returns a short lowercase name for the kind.
func (k CommandKind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Quit:
		return "quit"
	case Who:
		return "who"
	case Whisper:
		return "whisper"
	case Chat:
		return "chat"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Command is one tokenized client line.
type Command struct {
	Kind   CommandKind
	Target string // Whisper only
	Body   string // Whisper only
	Text   string // Chat only
}

// ParseCommand tokenizes a raw client line. Surrounding whitespace is trimmed
// first. A "/w " line splits on the first two spaces into command, target and
// body; fewer than three parts yields Malformed.
//
// Parameters:
//   - line: The line as received, without its newline
//
// Returns:
//   - The Command variant for line
func ParseCommand(line string) Command {
	text := strings.TrimSpace(line)

	switch {
	case text == "":
		return Command{Kind: Empty}
	case text == QuitMarker:
		return Command{Kind: Quit}
	case text == WhoCommand:
		return Command{Kind: Who}
	case strings.HasPrefix(text, whisperPrefix):
		parts := strings.SplitN(text, " ", 3)
		if len(parts) < 3 {
			return Command{Kind: Malformed}
		}
		return Command{Kind: Whisper, Target: parts[1], Body: parts[2]}
	default:
		return Command{Kind: Chat, Text: text}
	}
}

// NickAssignedLine is the final handshake line carrying the assigned name.
func NickAssignedLine(nickname string) string {
	return NickAssigned + nickname
}

// ParseNickAssigned extracts the nickname from a "NICK:<name>" line.
func ParseNickAssigned(line string) (string, bool) {
	if !strings.HasPrefix(line, NickAssigned) {
		return "", false
	}

	return strings.TrimPrefix(line, NickAssigned), true
}

// ChatLine formats a broadcast chat message.
func ChatLine(sender, text string) string {
	return fmt.Sprintf("%s> %s", sender, text)
}

// WhisperLine is delivered to the whisper target.
func WhisperLine(sender, body string) string {
	return fmt.Sprintf("(귓속말)%s> %s", sender, body)
}

// WhisperEchoLine confirms a delivered whisper to its sender.
func WhisperEchoLine(sender, target, body string) string {
	return fmt.Sprintf("(귓속말->%s)%s> %s", target, sender, body)
}

// SystemLine prefixes text as a server notice.
func SystemLine(text string) string {
	return systemPrefix + text
}

// IsSystemLine reports whether line is a server notice.
func IsSystemLine(line string) bool {
	return strings.HasPrefix(line, systemPrefix)
}

// JoinNotice announces a new session.
func JoinNotice(nickname string) string {
	return SystemLine(nickname + "님이 입장하셨습니다.")
}

// LeaveNotice announces a departed session.
func LeaveNotice(nickname string) string {
	return SystemLine(nickname + "님이 퇴장하셨습니다.")
}

// WhisperUsageNotice answers a malformed whisper.
func WhisperUsageNotice() string {
	return SystemLine("형식: /w 대상닉 메시지")
}

// TargetNotFoundNotice answers a whisper to an unknown nickname.
func TargetNotFoundNotice(target string) string {
	return SystemLine(fmt.Sprintf("대상 '%s'을(를) 찾을 수 없습니다.", target))
}

// RosterLine formats the /who answer. names should already be sorted.
func RosterLine(names []string) string {
	return rosterPrefix + " " + strings.Join(names, ", ")
}

// ParseRoster extracts the nicknames from a roster line. Blank entries are
// dropped.
//
// Returns:
//   - The names in the order sent and true, or nil and false if line is not
//     a roster line
func ParseRoster(line string) ([]string, bool) {
	if !strings.HasPrefix(line, rosterPrefix) {
		return nil, false
	}

	rest := strings.TrimSpace(strings.TrimPrefix(line, rosterPrefix))
	names := []string{}
	for _, part := range strings.Split(rest, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}

	return names, true
}

// RewriteShorthand turns the client-side "@name message" shorthand into a
// "/w name message" command. Any other input is returned unchanged.
func RewriteShorthand(input string) string {
	if !strings.HasPrefix(input, "@") {
		return input
	}

	target, body, ok := strings.Cut(input, " ")
	if !ok || target == "@" {
		return input
	}

	return fmt.Sprintf("%s %s %s", WhisperCommand, target[1:], body)
}
