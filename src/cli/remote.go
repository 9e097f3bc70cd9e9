package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"sshsnap/src/config"
	"sshsnap/src/execx"
	"sshsnap/src/failure"
	"sshsnap/src/remote"
	"sshsnap/src/template"
)

func newConnectCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Start (or reuse) the shared ssh master at SSHSNAP_CONTROL_PATH",
		Long: `Start the ssh control master at SSHSNAP_CONTROL_PATH so that later sshsnap
invocations reuse it. The master exits after SSHSNAP_CONTROL_PERSIST of
inactivity or on "sshsnap disconnect".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, config.NeedHost)
			if err != nil {
				return err
			}
			if !s.conn.Shared() {
				return failure.New(failure.KindConfig, "connect", "%s_CONTROL_PATH is required to share a connection", config.Prefix)
			}
			ctx := commandContext(cmd)
			defer s.close(ctx)
			if err := s.conn.Open(ctx); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Connected to %s (control path %s)\n", s.conn.Target(), s.conn.ControlPath())
			return nil
		},
	}
}

func newDisconnectCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Stop the shared ssh master at SSHSNAP_CONTROL_PATH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, config.NeedHost)
			if err != nil {
				return err
			}
			if !s.conn.Shared() {
				return failure.New(failure.KindConfig, "disconnect", "%s_CONTROL_PATH is required to stop a shared connection", config.Prefix)
			}
			if err := s.conn.Terminate(commandContext(cmd)); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Disconnected from %s\n", s.conn.Target())
			return nil
		},
	}
}

func newRemotelyCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts remote.RunOptions
	cmd := &cobra.Command{
		Use:   "remotely [--no-escape] [--ignore-failure] [--] COMMAND [ARGS...]",
		Short: "Run a command on the remote host",
		Long: `Run COMMAND on the remote host through the shared ssh connection.

Each argument reaches the remote program exactly as given. With --no-escape
the words are passed to the remote shell verbatim, so pipes, redirections and
variable assignments are interpreted there.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, config.NeedHost)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer s.close(ctx)

			if getSafetyOptions(cmd).DryRun {
				line := remote.Escape(args)
				if opts.NoEscape {
					line = " " + strings.Join(args, " ")
				}
				fmt.Fprintf(stdout, "Would run on %s:%s\n", s.conn.Target(), line)
				return nil
			}
			run := opts
			run.Stdin = cmd.InOrStdin()
			run.Stdout = stdout
			run.Stderr = stderr
			_, err = s.conn.Run(ctx, args, run)
			return err
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVar(&opts.NoEscape, "no-escape", false, "Pass the command words to the remote shell unescaped")
	cmd.Flags().BoolVar(&opts.IgnoreFailure, "ignore-failure", false, "Log a non-zero exit status instead of failing")
	return cmd
}

func newUploadCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "upload LOCAL REMOTE [-- RSYNC-OPTIONS...]",
		Short: "Copy a local path (relative to SSHSNAP_FILE_ROOT) to the remote host",
		Args: func(cmd *cobra.Command, args []string) error {
			if n := positional(cmd, args); len(n) != 2 {
				return fmt.Errorf("upload takes LOCAL and REMOTE, got %d argument(s)", len(n))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			pos := positional(cmd, args)
			extra := args[len(pos):]
			s, err := newSession(cmd, config.NeedHost)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer s.close(ctx)

			if getSafetyOptions(cmd).DryRun {
				fmt.Fprintf(stdout, "Would upload %s to %s:%s\n", pos[0], s.conn.Target(), pos[1])
				return nil
			}
			if _, err := checkTool(cmd, s.runner, execx.ToolRsync); err != nil {
				return err
			}
			return s.syncer().Upload(ctx, pos[0], pos[1], extra)
		},
	}
}

// positional returns the arguments before "--".
func positional(cmd *cobra.Command, args []string) []string {
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		return args[:dash]
	}
	return args
}

func newRenderCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "render [TEMPLATE...]",
		Short: "Expand m4 templates under SSHSNAP_FILE_ROOT",
		Long: `Expand every template under SSHSNAP_FILE_ROOT ending in SSHSNAP_TEMPLATE_SUFFIX
(default .m4), or only the given ones. Each output is written next to its
template with the suffix removed.

Templates may call getenv(NAME), which expands to the variable or nothing,
and getenv_required(NAME), which fails the render when NAME is unset.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, 0)
			if err != nil {
				return err
			}
			r := &template.Renderer{
				Root:   s.cfg.FileRoot,
				Suffix: s.cfg.TemplateSuffix,
				Runner: s.runner,
				Log:    s.log,
			}
			if getSafetyOptions(cmd).DryRun {
				files := args
				if len(files) == 0 {
					if files, err = r.Discover(); err != nil {
						return err
					}
				}
				for _, f := range files {
					fmt.Fprintf(stdout, "Would render %s -> %s\n", f, strings.TrimSuffix(f, r.Suffix))
				}
				return nil
			}
			if _, err := checkTool(cmd, s.runner, execx.ToolM4); err != nil {
				return err
			}

			ctx := commandContext(cmd)
			var outputs []string
			if len(args) == 0 {
				outputs, err = r.Render(ctx)
			} else {
				for _, f := range args {
					var out string
					if out, err = r.RenderFile(ctx, f); err != nil {
						break
					}
					outputs = append(outputs, out)
				}
			}
			for _, out := range outputs {
				fmt.Fprintf(stdout, "Rendered %s\n", out)
			}
			return err
		},
	}
}
