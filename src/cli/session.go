package cli

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sshsnap/src/config"
	"sshsnap/src/execx"
	"sshsnap/src/failure"
	"sshsnap/src/remote"
	"sshsnap/src/snapshot"
	"sshsnap/src/transfer"
)

var newRunnerFn = func() execx.Runner { return execx.NewExecRunner() }

// SetRunnerForTest replaces the process runner used by every command. The
// returned function restores the previous one.
func SetRunnerForTest(r execx.Runner) func() {
	prev := newRunnerFn
	newRunnerFn = func() execx.Runner { return r }
	return func() { newRunnerFn = prev }
}

// session bundles what a command needs: validated config, a logger writing
// to the command's stderr and, for remote commands, the connection.
type session struct {
	cfg    *config.Config
	log    *logrus.Logger
	runner execx.Runner
	conn   *remote.Connection
}

func newSession(cmd *cobra.Command, req config.Requirement) (*session, error) {
	cfg, err := config.Load(req)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if s := getLogLevelFlag(cmd); s != "" {
		if level, err = logrus.ParseLevel(s); err != nil {
			return nil, failure.Wrap(failure.KindUsage, "--log-level", err)
		}
	}
	log := logrus.New()
	log.SetOutput(cmd.ErrOrStderr())
	log.SetLevel(level)

	s := &session{cfg: cfg, log: log, runner: newRunnerFn()}
	if req&config.NeedHost != 0 {
		s.conn = remote.NewConnection(s.runner, remote.Options{
			Target:         cfg.Target,
			SSHOptions:     cfg.SSHOptions,
			ControlPersist: cfg.ControlPersist,
			ControlPath:    cfg.ControlPath,
		}, log)
	}
	return s, nil
}

func (s *session) syncer() *transfer.Syncer {
	return &transfer.Syncer{
		Conn:          s.conn,
		Runner:        s.runner,
		FileRoot:      s.cfg.FileRoot,
		UploadOptions: s.cfg.UploadOptions,
		BackupOptions: s.cfg.BackupOptions,
		Log:           s.log,
	}
}

func (s *session) snapshots() (*snapshot.Manager, error) {
	return snapshot.New(s.cfg.BackupRoot, s.log)
}

// existingSnapshots is for read-only commands; it never creates the root.
func (s *session) existingSnapshots() (*snapshot.Manager, error) {
	return snapshot.Open(s.cfg.BackupRoot, s.log)
}

// close releases the connection, if any.
func (s *session) close(ctx context.Context) {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(ctx); err != nil {
		s.log.WithError(err).Warn("closing connection")
	}
}
