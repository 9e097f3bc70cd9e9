// Package template renders m4 configuration templates found under the file
// root, offering getenv and getenv_required macros backed by the process
// environment.
package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"
	"github.com/sirupsen/logrus"

	"sshsnap/src/execx"
	"sshsnap/src/failure"
)

// envMacroPrefix namespaces the per-variable macros the prelude defines.
const envMacroPrefix = "__sshsnap_env_"

// Environment values are defined and read back under these quotes so that
// ` and ' inside a value stay literal. Values containing either delimiter are
// not made available.
const (
	quoteOpen  = "<<sshsnap<"
	quoteClose = ">sshsnap>>"
)

func quoted(s string) string { return quoteOpen + s + quoteClose }

// lookup expands to the value of the variable named by $1. defn returns the
// value quoted, so it is never macro-expanded. The default quotes are put
// back afterwards.
var lookup = "changequote(`" + quoteOpen + "', `" + quoteClose + "')" +
	"defn(" + quoted(envMacroPrefix+"$1") + ")" +
	"changequote(" + quoted("`") + ", " + quoted("'") + ")"

// getenv(NAME) expands to the value or to nothing. getenv_required(NAME)
// aborts m4 with status 1 when NAME is unset.
var macros = "define(`getenv', `ifdef(`" + envMacroPrefix + "$1', `" + lookup + "')')\n" +
	"define(`getenv_required', `ifdef(`" + envMacroPrefix + "$1', `" + lookup + "', " +
	"`errprint(__file__:__line__`: required environment variable $1 is not set\n')m4exit(`1')')')\n"

var macroName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Renderer expands every template under Root in place.
type Renderer struct {
	Root   string
	Suffix string
	Runner execx.Runner
	// M4Binary defaults to "m4".
	M4Binary string
	// Environ defaults to os.Environ.
	Environ func() []string
	Log     logrus.FieldLogger
}

// Discover returns the template files under Root, sorted.
func (r *Renderer) Discover() ([]string, error) {
	if r.Suffix == "" {
		return nil, failure.New(failure.KindConfig, "discover templates", "template suffix must not be empty")
	}
	matches, err := doublestar.Glob(filepath.Join(r.Root, "**", "*"+r.Suffix))
	if err != nil {
		return nil, failure.Wrap(failure.KindTemplate, "discover templates", err)
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if filepath.Base(m) == r.Suffix {
			// Nothing would be left of the name.
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

// Render expands all templates and returns the written output paths.
func (r *Renderer) Render(ctx context.Context) ([]string, error) {
	files, err := r.Discover()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		r.logger().WithField("root", r.Root).Info("no templates found")
		return nil, nil
	}
	preludePath, cleanup, err := writePrelude(r.prelude())
	if err != nil {
		return nil, failure.Wrap(failure.KindTemplate, "write m4 prelude", err)
	}
	defer cleanup()

	outputs := make([]string, 0, len(files))
	for _, f := range files {
		out, err := r.renderFile(ctx, preludePath, f)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// RenderFile expands a single template.
func (r *Renderer) RenderFile(ctx context.Context, path string) (string, error) {
	if !strings.HasSuffix(path, r.Suffix) || r.Suffix == "" {
		return "", failure.New(failure.KindUsage, "render", "%s does not end in %q", path, r.Suffix)
	}
	preludePath, cleanup, err := writePrelude(r.prelude())
	if err != nil {
		return "", failure.Wrap(failure.KindTemplate, "write m4 prelude", err)
	}
	defer cleanup()
	return r.renderFile(ctx, preludePath, path)
}

func (r *Renderer) renderFile(ctx context.Context, preludePath, src string) (string, error) {
	dst := strings.TrimSuffix(src, r.Suffix)
	info, err := os.Stat(src)
	if err != nil {
		return "", failure.Wrap(failure.KindTemplate, "render "+src, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return "", failure.Wrap(failure.KindTemplate, "render "+src, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmpName)
		}
	}()

	bin := r.M4Binary
	if bin == "" {
		bin = execx.ToolM4
	}
	// Only file names go on the command line; values live in the prelude.
	args := []string{preludePath, src}
	if _, err := r.Runner.Run(ctx, execx.Command{Name: bin, Args: args, Stdout: tmp}); err != nil {
		return "", failure.Wrap(failure.KindTemplate, "render "+src, err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		return "", failure.Wrap(failure.KindTemplate, "render "+src, err)
	}
	if err := tmp.Close(); err != nil {
		return "", failure.Wrap(failure.KindTemplate, "render "+src, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", failure.Wrap(failure.KindTemplate, "render "+src, err)
	}
	committed = true
	r.logger().WithFields(logrus.Fields{"template": src, "output": dst}).Info("rendered")
	return dst, nil
}

// prelude defines one macro per environment variable m4 can name, followed by
// getenv and getenv_required. It is written to a private file so values never
// appear on a command line.
func (r *Renderer) prelude() string {
	environ := os.Environ
	if r.Environ != nil {
		environ = r.Environ
	}
	vars := environ()
	sort.Strings(vars)

	var b strings.Builder
	b.WriteString("divert(-1)\n")
	b.WriteString("changequote(`" + quoteOpen + "', `" + quoteClose + "')\n")
	for _, kv := range vars {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !macroName.MatchString(name) {
			continue
		}
		if strings.Contains(value, quoteOpen) || strings.Contains(value, quoteClose) {
			r.logger().WithField("variable", name).Warn("value contains the template quote delimiters; not available to templates")
			continue
		}
		fmt.Fprintf(&b, "define(%s, %s)\n", quoted(envMacroPrefix+name), quoted(value))
	}
	b.WriteString("changequote(" + quoted("`") + ", " + quoted("'") + ")\n")
	b.WriteString(macros)
	b.WriteString("divert(0)dnl\n")
	return b.String()
}

// writePrelude stores content in a 0600 temp file.
func writePrelude(content string) (string, func(), error) {
	f, err := os.CreateTemp("", "sshsnap-prelude-*.m4")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}

func (r *Renderer) logger() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}
