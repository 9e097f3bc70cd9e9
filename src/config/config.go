// Package config loads the sshsnap settings from the environment once at
// startup and validates them.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"sshsnap/src/failure"
	"sshsnap/src/target"
)

// Prefix is the environment variable prefix for every setting.
const Prefix = "SSHSNAP"

// Derived variables exported to caller scripts during a backup run.
const (
	EnvPreviousSnapshot = "SSHSNAP_PREVIOUS_SNAPSHOT"
	EnvNewSnapshot      = "SSHSNAP_NEW_SNAPSHOT"
)

// Default rsync option sets. Upload pushes a working tree, so it keeps
// permissions and times but not ownership, which the remote user usually
// cannot set. Backup pulls into a snapshot that must be restorable as-is, so
// it also keeps hard links, numeric ids, and the full source path (--relative)
// which the destination layout relies on.
const (
	DefaultUploadOptions = "--recursive --links --perms --times"
	DefaultBackupOptions = "--recursive --links --perms --times --relative --hard-links --numeric-ids"
)

// Settings is the raw environment. Keys are always SSHSNAP_ prefixed; there is
// no unprefixed fallback.
type Settings struct {
	Host           string
	SSHOptions     string        `split_words:"true"`
	ControlPersist time.Duration `split_words:"true" default:"200s"`
	ControlPath    string        `split_words:"true"`
	FileRoot       string        `split_words:"true" default:"."`
	BackupRoot     string        `split_words:"true"`
	TemplateSuffix string        `split_words:"true" default:".m4"`
	UploadOptions  string        `split_words:"true" default:"--recursive --links --perms --times"`
	BackupOptions  string        `split_words:"true" default:"--recursive --links --perms --times --relative --hard-links --numeric-ids"`
	LogLevel       string        `split_words:"true" default:"info"`
}

// Config is the validated form of Settings.
type Config struct {
	Target         target.Target
	SSHOptions     []string
	ControlPersist time.Duration
	ControlPath    string
	FileRoot       string
	BackupRoot     string
	TemplateSuffix string
	UploadOptions  []string
	BackupOptions  []string
	LogLevel       logrus.Level
}

// Requirement selects which optional settings must be present for a command.
type Requirement int

const (
	NeedHost Requirement = 1 << iota
	NeedBackupRoot
)

// Load reads Settings from the environment and validates them against req.
func Load(req Requirement) (*Config, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return nil, failure.Wrap(failure.KindConfig, "load config", err)
	}
	return s.Validate(req)
}

// Validate converts Settings into a Config, reporting the first problem found.
func (s Settings) Validate(req Requirement) (*Config, error) {
	c := &Config{
		ControlPersist: s.ControlPersist,
		ControlPath:    s.ControlPath,
		TemplateSuffix: s.TemplateSuffix,
	}
	if req&NeedHost != 0 && strings.TrimSpace(s.Host) == "" {
		return nil, failure.New(failure.KindConfig, "config", "%s_HOST is required", Prefix)
	}
	if strings.TrimSpace(s.Host) != "" {
		t, err := target.Parse(s.Host)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfig, Prefix+"_HOST", err)
		}
		c.Target = t
	}
	if req&NeedBackupRoot != 0 && strings.TrimSpace(s.BackupRoot) == "" {
		return nil, failure.New(failure.KindConfig, "config", "%s_BACKUP_ROOT is required", Prefix)
	}
	if s.BackupRoot != "" {
		abs, err := filepath.Abs(s.BackupRoot)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfig, Prefix+"_BACKUP_ROOT", err)
		}
		c.BackupRoot = abs
	}
	root := s.FileRoot
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, failure.Wrap(failure.KindConfig, Prefix+"_FILE_ROOT", err)
	}
	c.FileRoot = abs

	if s.ControlPersist <= 0 {
		return nil, failure.New(failure.KindConfig, "config", "%s_CONTROL_PERSIST must be positive, got %s", Prefix, s.ControlPersist)
	}
	if s.ControlPath != "" && !filepath.IsAbs(s.ControlPath) {
		return nil, failure.New(failure.KindConfig, "config", "%s_CONTROL_PATH must be absolute: %q", Prefix, s.ControlPath)
	}
	if s.TemplateSuffix == "" || strings.ContainsRune(s.TemplateSuffix, filepath.Separator) {
		return nil, failure.New(failure.KindConfig, "config", "%s_TEMPLATE_SUFFIX must be a non-empty file suffix", Prefix)
	}

	if c.SSHOptions, err = splitOptions("SSH_OPTIONS", s.SSHOptions); err != nil {
		return nil, err
	}
	if c.UploadOptions, err = splitOptions("UPLOAD_OPTIONS", s.UploadOptions); err != nil {
		return nil, err
	}
	if c.BackupOptions, err = splitOptions("BACKUP_OPTIONS", s.BackupOptions); err != nil {
		return nil, err
	}

	level := s.LogLevel
	if level == "" {
		level = "info"
	}
	if c.LogLevel, err = logrus.ParseLevel(level); err != nil {
		return nil, failure.Wrap(failure.KindConfig, Prefix+"_LOG_LEVEL", err)
	}
	return c, nil
}

func splitOptions(name, raw string) ([]string, error) {
	words, err := shellquote.Split(raw)
	if err != nil {
		return nil, failure.Wrap(failure.KindConfig, fmt.Sprintf("%s_%s", Prefix, name), err)
	}
	return words, nil
}
