// Package remote drives a host over one multiplexed OpenSSH session:
// establishing the control master, escaping command vectors, and running
// remote commands through the shared socket.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sshsnap/src/execx"
	"sshsnap/src/failure"
	"sshsnap/src/target"
)

// DefaultControlPersist is how long an idle master survives its last client.
const DefaultControlPersist = 200 * time.Second

// exitTimeout bounds the "-O exit" request made while releasing a master.
const exitTimeout = 10 * time.Second

// sshTransportStatus is what ssh exits with when it fails itself rather than
// relaying the remote command's status.
const sshTransportStatus = 255

// State is the lifecycle position of a Connection.
type State int

const (
	StateUninitialized State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures a Connection.
type Options struct {
	Target target.Target
	// SSHOptions are appended to every ssh invocation, including the ones
	// rsync makes.
	SSHOptions     []string
	ControlPersist time.Duration
	// ControlPath selects a fixed socket shared by separate sshsnap
	// processes. When empty the socket lives in a private directory that
	// Close removes.
	ControlPath string
	// SSHBinary defaults to "ssh".
	SSHBinary string
}

// Connection owns one ssh control master. It is opened lazily and at most
// once; every later command and transfer reuses its socket.
type Connection struct {
	runner execx.Runner
	log    logrus.FieldLogger
	opts   Options

	mu          sync.Mutex
	state       State
	dir         string
	controlPath string
}

// NewConnection returns an unopened Connection.
func NewConnection(r execx.Runner, opts Options, log logrus.FieldLogger) *Connection {
	if opts.ControlPersist <= 0 {
		opts.ControlPersist = DefaultControlPersist
	}
	if opts.SSHBinary == "" {
		opts.SSHBinary = execx.ToolSSH
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Connection{runner: r, opts: opts, log: log.WithField("host", opts.Target.String())}
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target returns the remote host this connection serves.
func (c *Connection) Target() target.Target { return c.opts.Target }

// SSHBinary returns the ssh executable used for the session.
func (c *Connection) SSHBinary() string { return c.opts.SSHBinary }

// Shared reports whether the socket outlives this process.
func (c *Connection) Shared() bool { return c.opts.ControlPath != "" }

// ControlPath returns the socket path, or "" before Open.
func (c *Connection) ControlPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlPath
}

// SSHArgs returns the options, excluding the destination, that make an ssh
// invocation ride on the open master.
func (c *Connection) SSHArgs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sshArgsLocked()
}

func (c *Connection) sshArgsLocked() []string {
	args := []string{"-o", "ControlPath=" + c.controlPath}
	args = append(args, c.opts.Target.SSHArgs()...)
	return append(args, c.opts.SSHOptions...)
}

// Open establishes the control master. While the connection is open further
// calls return immediately without another handshake.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen:
		return nil
	case StateClosed:
		return failure.New(failure.KindTransport, "open connection", "connection to %s already closed", c.opts.Target)
	}

	if c.opts.ControlPath != "" {
		c.controlPath = c.opts.ControlPath
		if c.checkLocked(ctx) {
			c.log.WithField("control_path", c.controlPath).Debug("reusing live ssh master")
			c.state = StateOpen
			return nil
		}
	} else {
		dir, err := os.MkdirTemp("", "sshsnap-")
		if err != nil {
			return failure.Wrap(failure.KindTransport, "open connection", err)
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			os.RemoveAll(dir)
			return failure.Wrap(failure.KindTransport, "open connection", err)
		}
		c.dir = dir
		c.controlPath = filepath.Join(dir, "control")
	}

	if err := c.startMasterLocked(ctx); err != nil {
		c.cleanupLocked()
		return err
	}
	c.state = StateOpen
	c.log.WithFields(logrus.Fields{
		"control_path":    c.controlPath,
		"control_persist": c.opts.ControlPersist,
	}).Info("ssh master established")
	return nil
}

func (c *Connection) startMasterLocked(ctx context.Context) error {
	// The master daemonizes; give it real files so it does not inherit a
	// pipe the runner would wait on.
	logFile, err := os.CreateTemp("", "sshsnap-master-*.log")
	if err != nil {
		return failure.Wrap(failure.KindTransport, "open connection", err)
	}
	defer func() {
		logFile.Close()
		os.Remove(logFile.Name())
	}()

	args := []string{
		"-o", "ControlMaster=auto",
		"-o", fmt.Sprintf("ControlPersist=%d", persistSeconds(c.opts.ControlPersist)),
		"-f", "-N",
	}
	args = append(args, c.sshArgsLocked()...)
	args = append(args, "--", c.opts.Target.Destination())

	c.log.WithField("args", strings.Join(args, " ")).Debug("starting ssh master")
	_, runErr := c.runner.Run(ctx, execx.Command{
		Name:   c.opts.SSHBinary,
		Args:   args,
		Stdout: logFile,
		Stderr: logFile,
	})
	if runErr != nil {
		diag, _ := os.ReadFile(logFile.Name())
		if msg := strings.TrimSpace(string(diag)); msg != "" {
			runErr = fmt.Errorf("%w: %s", runErr, msg)
		}
		return failure.Wrap(failure.KindTransport, fmt.Sprintf("connect %s", c.opts.Target), runErr)
	}
	return nil
}

func (c *Connection) checkLocked(ctx context.Context) bool {
	args := append([]string{"-O", "check"}, c.sshArgsLocked()...)
	args = append(args, "--", c.opts.Target.Destination())
	_, err := c.runner.Run(ctx, execx.Command{Name: c.opts.SSHBinary, Args: args})
	return err == nil
}

// Close releases the session. A private master is told to exit and its
// socket directory is removed; a shared master is left to ControlPersist.
// Close is safe to call in any state and more than once.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen && c.opts.ControlPath == "" {
		c.exitLocked(ctx)
	}
	c.state = StateClosed
	return c.cleanupLocked()
}

// Terminate asks the master to exit even when it is shared, then closes.
func (c *Connection) Terminate(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed {
		if c.controlPath == "" {
			c.controlPath = c.opts.ControlPath
		}
		if c.controlPath != "" {
			c.exitLocked(ctx)
		}
	}
	c.mu.Unlock()
	return c.Close(ctx)
}

func (c *Connection) exitLocked(ctx context.Context) {
	// Release also runs after the caller's context was cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exitTimeout)
	defer cancel()
	args := append([]string{"-O", "exit"}, c.sshArgsLocked()...)
	args = append(args, "--", c.opts.Target.Destination())
	// The master may already have timed out; nothing to do then.
	if _, err := c.runner.Run(ctx, execx.Command{Name: c.opts.SSHBinary, Args: args}); err != nil {
		c.log.WithError(err).Debug("ssh master exit")
	}
}

func (c *Connection) cleanupLocked() error {
	if c.dir == "" {
		return nil
	}
	err := os.RemoveAll(c.dir)
	c.dir = ""
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove control directory: %w", err)
	}
	return nil
}

// Run executes args on the remote host through the master, opening it
// first if needed. Unless opts.NoEscape is set the vector is escaped so the
// remote side sees exactly args. A non-zero exit is a RemoteCommand error
// unless opts.IgnoreFailure is set, in which case it is logged and the
// Result is returned with a nil error.
func (c *Connection) Run(ctx context.Context, args []string, opts RunOptions) (execx.Result, error) {
	if err := c.Open(ctx); err != nil {
		return execx.Result{}, err
	}
	sshArgs := append(c.SSHArgs(), "--", c.opts.Target.Destination())
	if opts.NoEscape {
		sshArgs = append(sshArgs, args...)
	} else {
		sshArgs = append(sshArgs, Escape(args))
	}

	res, err := c.runner.Run(ctx, execx.Command{
		Name:   c.opts.SSHBinary,
		Args:   sshArgs,
		Stdin:  opts.Stdin,
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
	})
	if err == nil {
		return res, nil
	}
	if code := execx.ExitCode(err); opts.IgnoreFailure && code >= 0 && code != sshTransportStatus {
		c.log.WithError(err).WithField("command", strings.Join(args, " ")).Warn("ignoring remote command failure")
		return res, nil
	}
	return res, failure.Wrap(failure.KindRemoteCommand, fmt.Sprintf("remote %q", strings.Join(args, " ")), err)
}

// RunOptions tunes a single remote command.
type RunOptions struct {
	// NoEscape hands args to ssh verbatim so the remote shell interprets
	// pipes, redirections and variable prefixes.
	NoEscape bool
	// IgnoreFailure tolerates a non-zero exit of the remote command, for
	// commands like mkdir that emulate create-if-missing. ssh's own failures
	// (status 255) stay fatal.
	IgnoreFailure bool
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

func persistSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
