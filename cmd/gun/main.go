package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.trai.ch/zerr"

	"github.com/mpataki/gun/internal/config"
	"github.com/mpataki/gun/internal/definition"
	"github.com/mpataki/gun/internal/dispatcher"
	"github.com/mpataki/gun/internal/logger"
	gunLua "github.com/mpataki/gun/internal/lua"
	"github.com/mpataki/gun/internal/models"
	"github.com/mpataki/gun/internal/orchestrator"
	"github.com/mpataki/gun/internal/runner"
	"github.com/mpataki/gun/internal/storage"
	"github.com/mpataki/gun/internal/tui"
	"github.com/mpataki/gun/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "gun",
		Short:         "Role-scoped task execution",
		Long:          "Gun runs the ordered commands of a task on every server of an environment whose roles match.",
		RunE:          runTUI,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newEnvsCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newOutputCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newFailCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

// app holds everything a command needs, opened from the config.
type app struct {
	cfg        *config.Config
	log        logger.Logger
	store      *storage.Storage
	dispatcher *dispatcher.Dispatcher
	orch       *orchestrator.Orchestrator

	// abandon skips waiting for running executions on close.
	abandon atomic.Bool
}

func open() (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, zerr.Wrap(err, "failed to load config")
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, zerr.Wrap(err, "failed to create data directory")
	}

	log := logger.New(cfg.LogLevel)

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to open database")
	}

	r, err := newRunner(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	workspaces := cfg.WorkspacesDir()
	d := dispatcher.New(store, r, store, log, dispatcher.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		WorkDir: func(id int64) string {
			return workspace.ScratchDir(workspaces, id)
		},
	})

	orch := orchestrator.New(store, d, workspaces, log, orchestrator.Options{
		StrictParameters: cfg.StrictParameters,
	})

	recovered, err := orch.Recover(context.Background())
	if err != nil {
		log.Error(err)
	} else if len(recovered) > 0 {
		log.Warn("marked executions of exited processes failed", "execution_ids", recovered)
	}

	return &app{cfg: cfg, log: log, store: store, dispatcher: d, orch: orch}, nil
}

// close waits for started executions to finish before closing the database.
// Executions still running at the timeout are recorded FAILED and the
// database is left to the exiting process, since their workers still hold it.
func (a *app) close() {
	timeout := shutdownTimeout
	if a.abandon.Load() {
		timeout = 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.dispatcher.Shutdown(ctx); err != nil {
		a.log.Error(err)
		a.log.Warn("workers still running, database left open")
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Error(err)
	}
}

func newRunner(cfg *config.Config, log logger.Logger) (runner.Runner, error) {
	switch cfg.Runner.Kind {
	case config.RunnerSSH:
		return &runner.SSH{
			Binary:  cfg.Runner.SSHBinary,
			Options: cfg.Runner.SSHOptions,
			User:    cfg.Runner.SSHUser,
		}, nil
	case config.RunnerLua:
		r, err := gunLua.Load(cfg.Runner.Script, log)
		if err != nil {
			return nil, zerr.Wrap(err, "failed to load runner script")
		}
		return r, nil
	default:
		return runner.NewShell(), nil
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, err := open()
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(a.cfg.LogFile(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		a.close()
		return zerr.Wrap(err, "failed to open log file")
	}
	a.log.SetOutput(logFile)
	defer func() {
		a.close()
		logFile.Close()
	}()

	p := tea.NewProgram(tui.NewApp(a.orch, storage.Filter{}), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func newApplyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apply [file-or-dir...]",
		Short: "Load task and environment definitions",
		Long:  "Reads the given YAML definition files and every YAML file in the given directories (default: the data dir's definitions/) and stores them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			var defs []*definition.Definition
			if len(args) == 0 {
				defs, err = definition.LoadAll([]string{a.cfg.DefinitionsDir})
			} else {
				defs, err = definition.Load(args)
			}
			if err != nil {
				return err
			}

			applied, err := a.orch.ApplyDefinitions(cmd.Context(), defs)
			if err != nil {
				return err
			}

			fmt.Printf("Applied %d environment(s) and %d task(s) from %d file(s)\n",
				applied.Environments, applied.Tasks, len(defs))
			return nil
		},
	}
}

func newTasksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks [application]",
		Short: "List tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			tasks, err := a.orch.ListTasks(cmd.Context(), firstArg(args))
			if err != nil {
				return err
			}

			if len(tasks) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}

			for _, t := range tasks {
				fmt.Printf("%s/%s  %d command(s)", t.Application, t.Name, len(t.Commands))
				if t.Description != "" {
					fmt.Printf("  %s", truncate(t.Description, 50))
				}
				fmt.Println()
				for _, p := range t.Parameters {
					fmt.Printf("    -p %s=%s\n", p.Name, p.DefaultValue)
				}
			}
			return nil
		},
	}
}

func newEnvsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "envs [application]",
		Short: "List environments and their servers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			envs, err := a.orch.ListEnvironments(cmd.Context(), firstArg(args))
			if err != nil {
				return err
			}

			if len(envs) == 0 {
				fmt.Println("No environments found.")
				return nil
			}

			for _, e := range envs {
				fmt.Printf("%s/%s\n", e.Application, e.Name)
				for _, s := range e.Servers {
					fmt.Printf("    %-20s %-24s [%s]\n", s.Name, s.Address(), strings.Join(s.Roles, ","))
				}
			}
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <application> <task> <environment>",
		Short: "Run a task against an environment and stream its output",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			noExec, _ := cmd.Flags().GetBool("no-exec")
			user, _ := cmd.Flags().GetString("user")
			raw, _ := cmd.Flags().GetStringArray("param")

			params, err := parseParams(raw)
			if err != nil {
				return err
			}

			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			exec, err := a.orch.CreateExecution(cmd.Context(), orchestrator.Request{
				Application: args[0],
				Task:        args[1],
				Environment: args[2],
				User:        user,
				Params:      params,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Created execution #%d\n", exec.ID)

			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
				return nil
			}

			return startAndFollow(cmd.Context(), a, exec.ID)
		},
	}

	cmd.Flags().StringArrayP("param", "p", nil, "Parameter value as name=value (repeatable)")
	cmd.Flags().StringP("user", "u", os.Getenv("USER"), "User recorded on the execution")
	cmd.Flags().Bool("no-exec", false, "Create the execution but don't start it")
	return cmd
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <execution-id>",
		Short: "Start a pending execution and stream its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			return startAndFollow(cmd.Context(), a, id)
		},
	}
}

// startAndFollow dispatches an execution and streams it to stdout. The
// first interrupt asks it to stop at the next command boundary. The second
// stops following and abandons it: close records it FAILED without waiting,
// and a third interrupt kills the process.
func startAndFollow(ctx context.Context, a *app, id int64) error {
	if err := a.orch.Start(ctx, id); err != nil {
		return err
	}

	followCtx, stopFollowing := context.WithCancel(ctx)
	defer stopFollowing()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go watchInterrupts(followCtx, sigs,
		func() {
			if a.orch.Cancel(id) {
				fmt.Fprintf(os.Stderr, "Cancelling execution #%d after the current command, interrupt again to abandon it...\n", id)
			}
		},
		func() {
			signal.Stop(sigs)
			a.abandon.Store(true)
			fmt.Fprintf(os.Stderr, "Abandoning execution #%d\n", id)
			stopFollowing()
		})

	exec, err := a.orch.Follow(followCtx, id, 0, os.Stdout)
	if err != nil {
		if a.abandon.Load() {
			return zerr.With(zerr.New("execution abandoned"), "execution_id", id)
		}
		return err
	}

	fmt.Printf("Execution #%d finished with status: %s\n", exec.ID, exec.Status)
	if exec.Status != models.StatusSuccess {
		return zerr.With(zerr.New("execution did not succeed"), "execution_id", exec.ID)
	}
	return nil
}

// watchInterrupts calls cancel on the first signal and abandon on the
// second. It returns after abandon or once ctx is done.
func watchInterrupts(ctx context.Context, sigs <-chan os.Signal, cancel, abandon func()) {
	for _, step := range []func(){cancel, abandon} {
		select {
		case <-sigs:
			step()
		case <-ctx.Done():
			return
		}
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			var f storage.Filter
			f.Application, _ = cmd.Flags().GetString("app")
			f.User, _ = cmd.Flags().GetString("user")
			task, _ := cmd.Flags().GetString("task")
			env, _ := cmd.Flags().GetString("env")

			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			if task != "" || env != "" {
				if f.Application == "" {
					return zerr.New("--task and --env need --app")
				}
				if task != "" {
					t, err := a.store.GetTaskByName(cmd.Context(), f.Application, task)
					if err != nil {
						return err
					}
					f.TaskID = t.ID
				}
				if env != "" {
					e, err := a.store.GetEnvironmentByName(cmd.Context(), f.Application, env)
					if err != nil {
						return err
					}
					f.EnvironmentID = e.ID
				}
			}

			execs, err := a.orch.ListExecutions(cmd.Context(), f, limit)
			if err != nil {
				return err
			}

			if len(execs) == 0 {
				fmt.Println("No executions found.")
				return nil
			}

			for _, e := range execs {
				fmt.Printf("#%d %s/%s@%s [%s] %s %s\n",
					e.ID, e.Application, e.TaskName, e.EnvironmentName, e.Status,
					e.User, e.TimeCreated.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	cmd.Flags().String("app", "", "Only executions of this application")
	cmd.Flags().String("task", "", "Only executions of this task (needs --app)")
	cmd.Flags().String("env", "", "Only executions in this environment (needs --app)")
	cmd.Flags().String("user", "", "Only executions by this user")
	cmd.Flags().IntP("limit", "n", 20, "Maximum number of executions (0 for all)")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution with its commands and units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			exec, err := a.orch.GetExecution(cmd.Context(), id)
			if err != nil {
				return err
			}

			fmt.Printf("Execution #%d: %s/%s @ %s\n", exec.ID, exec.Application, exec.TaskName, exec.EnvironmentName)
			fmt.Printf("Status: %s\n", exec.Status)
			fmt.Printf("User: %s\n", exec.User)
			fmt.Printf("Created: %s\n", exec.TimeCreated.Local().Format(time.DateTime))
			if exec.TimeEnd != nil {
				fmt.Printf("Duration: %s\n", exec.Duration().Round(time.Millisecond))
			}
			for _, p := range exec.Parameters {
				fmt.Printf("Param: %s=%s\n", p.Name, p.Value)
			}

			fmt.Println("\nCommands:")
			for _, c := range exec.Commands {
				fmt.Printf("  %d. %s [%s] roles=%s\n", c.Rank, c.Command, c.Status, strings.Join(c.Roles, ","))
				for _, u := range c.Servers {
					status := string(u.Status)
					if u.ReturnCode != nil {
						status += fmt.Sprintf(" (exit %d)", *u.ReturnCode)
					}
					fmt.Printf("      unit %d %s (%s) [%s]\n", u.ID, u.ServerName, u.ServerHost, status)
				}
			}
			return nil
		},
	}
}

func newOutputCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "output <unit-id>",
		Short: "Print the output of one command on one server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			out, err := a.orch.ReadOutput(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <execution-id>",
		Short: "Print the live log of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			after, _ := cmd.Flags().GetInt64("after")

			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.orch.LiveLog(cmd.Context(), id, after)
			if err != nil {
				return err
			}

			for _, e := range entries {
				fmt.Printf("%d\t%s\t%d\t%s\n", e.Seq, e.Event, e.UnitID, strings.TrimRight(e.Data, "\n"))
			}
			return nil
		},
	}

	cmd.Flags().Int64("after", 0, "Only entries after this sequence number")
	return cmd
}

// newCancelCommand can only reach executions dispatched by this process;
// run and start also cancel on interrupt.
func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Stop an execution at its next command boundary",
		Long:  "Cancellation is cooperative and in-process: an execution started by another gun process is cancelled with Ctrl-C there, or with 'x' in the TUI that started it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			exec, err := a.orch.GetExecution(cmd.Context(), id)
			if err != nil {
				return err
			}
			if exec.Status.Terminal() {
				fmt.Printf("Execution #%d already finished with status: %s\n", id, exec.Status)
				return nil
			}

			if !a.orch.Cancel(id) {
				return zerr.With(zerr.New("execution is not running in this process"), "execution_id", id)
			}
			fmt.Printf("Cancelling execution #%d\n", id)
			return nil
		},
	}
}

func newFailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fail <execution-id>",
		Short: "Record an execution left running by a gone process as failed",
		Long:  "Running commands and units become FAILED, pending ones stay PENDING. Executions of exited processes are also failed whenever gun opens its database; use --force when the recorded owner process ID has been reused.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")

			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.orch.Fail(cmd.Context(), id, force); err != nil {
				return err
			}

			exec, err := a.orch.GetExecution(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("Execution #%d status: %s\n", id, exec.Status)
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "Skip the check that the owner process has exited")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <execution-id>",
		Short: "Delete an execution and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := open()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.orch.DeleteExecution(cmd.Context(), id); err != nil {
				return err
			}

			fmt.Printf("Deleted execution #%d\n", id)
			return nil
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, zerr.With(zerr.Wrap(err, "invalid id"), "value", s)
	}
	return id, nil
}

// parseParams turns name=value pairs into a map. The value may be empty.
func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, zerr.With(zerr.New("parameter must be name=value"), "param", kv)
		}
		params[name] = value
	}
	return params, nil
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
