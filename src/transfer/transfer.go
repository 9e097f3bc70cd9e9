// Package transfer moves file trees between the local machine and the remote
// host with rsync, tunnelled through the shared ssh master.
package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"

	"sshsnap/src/config"
	"sshsnap/src/execx"
	"sshsnap/src/failure"
	"sshsnap/src/remote"
)

// Syncer builds and runs rsync invocations over a remote.Connection.
type Syncer struct {
	Conn   *remote.Connection
	Runner execx.Runner
	// FileRoot is where relative upload sources resolve.
	FileRoot string
	// UploadOptions and BackupOptions precede the caller's extra options.
	// Nil selects the package defaults.
	UploadOptions []string
	BackupOptions []string
	// RsyncBinary defaults to "rsync".
	RsyncBinary string
	Log         logrus.FieldLogger
}

// Upload pushes localPath, resolved against FileRoot when relative, to
// remotePath on the host.
func (s *Syncer) Upload(ctx context.Context, localPath, remotePath string, extra []string) error {
	if localPath == "" || remotePath == "" {
		return failure.New(failure.KindUsage, "upload", "local and remote paths are required")
	}
	src := localPath
	if !filepath.IsAbs(src) {
		src = filepath.Join(s.FileRoot, localPath)
		// filepath.Join drops a trailing slash, which tells rsync to copy
		// the directory contents rather than the directory itself.
		if strings.HasSuffix(localPath, "/") {
			src += "/"
		}
	}
	opts := s.UploadOptions
	if opts == nil {
		opts = defaultOptions(config.DefaultUploadOptions)
	}
	dst := s.remoteSpec(remotePath)
	return s.run(ctx, "upload", opts, extra, src, dst)
}

// Pull copies remoteSource from the host into localDest. When linkDest is
// not empty, files unchanged relative to linkDest are hardlinked from it
// instead of transferred. Nothing at localDest is ever deleted.
func (s *Syncer) Pull(ctx context.Context, remoteSource, localDest, linkDest string, extra []string) error {
	if !strings.HasPrefix(remoteSource, "/") {
		return failure.New(failure.KindUsage, "backup", "remote source must be absolute: %q", remoteSource)
	}
	opts := s.BackupOptions
	if opts == nil {
		opts = defaultOptions(config.DefaultBackupOptions)
	}
	if linkDest != "" {
		opts = append(append([]string{}, opts...), "--link-dest="+linkDest)
	}
	return s.run(ctx, "backup", opts, extra, s.remoteSpec(remoteSource), localDest)
}

func (s *Syncer) run(ctx context.Context, op string, opts, extra []string, src, dst string) error {
	if err := s.Conn.Open(ctx); err != nil {
		return err
	}
	args := append([]string{}, opts...)
	args = append(args, "-e", s.transport())
	args = append(args, extra...)
	args = append(args, src, dst)

	bin := s.RsyncBinary
	if bin == "" {
		bin = execx.ToolRsync
	}
	s.logger().WithFields(logrus.Fields{"src": src, "dst": dst}).Infof("%s started", op)
	if _, err := s.Runner.Run(ctx, execx.Command{Name: bin, Args: args}); err != nil {
		return failure.Wrap(failure.KindSync, fmt.Sprintf("%s %s -> %s", op, src, dst), err)
	}
	s.logger().WithFields(logrus.Fields{"src": src, "dst": dst}).Debugf("%s finished", op)
	return nil
}

// transport renders the ssh command rsync should use. rsync splits its -e
// value on spaces and honours single and double quotes but not backslashes;
// a quote character is written doubled inside quotes of the same kind.
func (s *Syncer) transport() string {
	words := append([]string{s.Conn.SSHBinary()}, s.Conn.SSHArgs()...)
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = rsyncQuote(w)
	}
	return strings.Join(quoted, " ")
}

func rsyncQuote(w string) string {
	if w != "" && !strings.ContainsAny(w, " '\"") {
		return w
	}
	return "'" + strings.ReplaceAll(w, "'", "''") + "'"
}

func (s *Syncer) remoteSpec(path string) string {
	return s.Conn.Target().RsyncHost() + ":" + path
}

func (s *Syncer) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func defaultOptions(raw string) []string {
	words, err := shellquote.Split(raw)
	if err != nil {
		panic(fmt.Sprintf("transfer: bad built-in options %q: %v", raw, err))
	}
	return words
}
