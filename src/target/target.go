package target

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Target represents a parsed remote host identifier.
// Example: deploy@wiki.example.org:2222
type Target struct {
	// Raw is the original input string.
	Raw string
	// User is optional; ssh falls back to its own configuration when empty.
	User string
	// Host is a hostname, an IPv4 address, an [IPv6] literal, or an ssh_config alias.
	Host string
	// Port is 0 when not given.
	Port int
}

// Parse parses a host identifier of the form [user@]host[:port].
func Parse(raw string) (Target, error) {
	t := Target{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return t, fmt.Errorf("remote host must not be empty; expected format '[user@]host[:port]'")
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return t, fmt.Errorf("invalid remote host %q: contains whitespace", raw)
	}
	if strings.HasPrefix(s, "-") {
		return t, fmt.Errorf("invalid remote host %q: must not start with '-'", raw)
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		t.User = s[:i]
		s = s[i+1:]
		if t.User == "" {
			return t, fmt.Errorf("invalid remote host %q: empty user", raw)
		}
	}

	host, port := s, ""
	switch {
	case strings.HasPrefix(s, "["):
		// [v6addr] or [v6addr]:port
		end := strings.Index(s, "]")
		if end < 0 {
			return t, fmt.Errorf("invalid remote host %q: unterminated '['", raw)
		}
		host = s[1:end]
		rest := s[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return t, fmt.Errorf("invalid remote host %q", raw)
			}
			port = rest[1:]
		}
	case strings.Count(s, ":") == 1:
		i := strings.Index(s, ":")
		host, port = s[:i], s[i+1:]
	case strings.Count(s, ":") > 1:
		return t, fmt.Errorf("invalid remote host %q: wrap IPv6 addresses in brackets", raw)
	}
	if host == "" {
		return t, fmt.Errorf("invalid remote host %q: empty host", raw)
	}
	t.Host = host
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return t, fmt.Errorf("invalid remote host %q: port must be 1-65535", raw)
		}
		t.Port = p
	}
	return t, nil
}

// SSHArgs returns the ssh options selecting the user and port, if any.
func (t Target) SSHArgs() []string {
	var args []string
	if t.User != "" {
		args = append(args, "-l", t.User)
	}
	if t.Port != 0 {
		args = append(args, "-p", strconv.Itoa(t.Port))
	}
	return args
}

// Destination is the host argument handed to ssh. User and port travel
// separately through SSHArgs.
func (t Target) Destination() string {
	return t.Host
}

// RsyncHost is the host part of an rsync remote path (host:path); IPv6
// literals need brackets there.
func (t Target) RsyncHost() string {
	if strings.Contains(t.Host, ":") {
		return "[" + t.Host + "]"
	}
	return t.Host
}

// String returns a canonical string form of the target.
func (t Target) String() string {
	s := t.RsyncHost()
	if t.User != "" {
		s = t.User + "@" + s
	}
	if t.Port != 0 {
		s = fmt.Sprintf("%s:%d", s, t.Port)
	}
	return s
}
