package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"goa.design/clue/log"

	"goa.design/planact/features/answers"
	"goa.design/planact/features/questions"
	"goa.design/planact/runtime/agent/attachment"
	"goa.design/planact/runtime/agent/controller"
	"goa.design/planact/runtime/agent/task"
)

// cli carries the state shared by the commands of one invocation.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     Config
}

func newRootCommand() *cobra.Command {
	c := &cli{v: newViper()}
	root := &cobra.Command{
		Use:           "planact",
		Short:         "Answer questions with a plan, act, replan and validate loop",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default ./planact.yaml)")
	flags.String("provider", "", "model provider: openai, anthropic, bedrock or replay")
	flags.String("model", "", "model identifier")
	flags.Int("concurrency", 0, "number of tasks solved concurrently")
	flags.Int("max-iterations", 0, "transition budget of one attempt")
	flags.Bool("debug", false, "enable debug logs")
	for key, name := range map[string]string{
		"provider":       "provider",
		"model":          "model",
		"concurrency":    "concurrency",
		"max_iterations": "max-iterations",
		"debug":          "debug",
	} {
		_ = c.v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(c.solveCommand(), c.questionsCommand(), c.runCommand(), c.submitCommand())
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	if err := readConfigFile(c.v, c.cfgFile); err != nil {
		return err
	}
	cfg, err := loadConfig(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(cmd.Context(), log.WithFormat(format), log.WithOutput(cmd.ErrOrStderr()))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	cmd.SetContext(ctx)
	return nil
}

func (c *cli) solveCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "solve QUESTION",
		Short: "Solve one question, optionally with an attached file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			q := controller.Question{TaskID: "local", Text: args[0]}
			if file != "" {
				if q.Attachment, err = attachment.Load(file); err != nil {
					return err
				}
			}
			res, err := a.runner(nil).Solve(ctx, q)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), red("No answer produced: "+err.Error()))
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Answer)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path of a file attached to the question")
	return cmd
}

func (c *cli) questionsCommand() *cobra.Command {
	var random bool
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "List the questions served by the scoring service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			qc, err := questions.New(c.cfg.APIURL)
			if err != nil {
				return err
			}
			qs, err := fetchQuestions(cmd.Context(), qc, random)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, q := range qs {
				fmt.Fprintf(w, "%s %s\n", bold(q.TaskID), q.Question)
				if q.FileName != "" {
					fmt.Fprintf(w, "  %s\n", gray("file: "+q.FileName))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&random, "random", false, "fetch a single random question")
	return cmd
}

func (c *cli) runCommand() *cobra.Command {
	var (
		random   bool
		force    bool
		noSubmit bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Solve the scoring service questions and submit each answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(ctx, cmd.OutOrStdout(), runOptions{random: random, force: force, submit: !noSubmit})
		},
	}
	cmd.Flags().BoolVar(&random, "random", false, "solve a single random question")
	cmd.Flags().BoolVar(&force, "force", false, "solve tasks that already have a stored answer")
	cmd.Flags().BoolVar(&noSubmit, "no-submit", false, "store answers without submitting them")
	return cmd
}

func (c *cli) submitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "submit",
		Short: "Submit every stored answer in one submission",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if c.cfg.Username == "" {
				return errors.New("username is required to submit")
			}
			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, ok := a.answers.(*answers.Memory); ok {
				fmt.Fprintln(cmd.ErrOrStderr(), yellow("No redis.addr configured: no stored answers to submit."))
				return nil
			}
			records, err := a.answers.List(ctx)
			if err != nil {
				return err
			}
			sub := questions.Submission{Username: c.cfg.Username, AgentCode: c.cfg.AgentCode}
			for _, r := range records {
				sub.Answers = append(sub.Answers, questions.Answer{TaskID: r.TaskID, SubmittedAnswer: r.Answer})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitting %d answers: %s\n", len(sub.Answers), a.questions.Submit(ctx, sub))
			return nil
		},
	}
}

type runOptions struct {
	random bool
	force  bool
	submit bool
}

// run fetches the questions, solves the ones without a stored answer and
// submits each accepted answer as soon as it is produced.
func (a *app) run(ctx context.Context, w io.Writer, opts runOptions) error {
	qs, err := fetchQuestions(ctx, a.questions, opts.random)
	if err != nil {
		return err
	}
	var todo []controller.Question
	for _, q := range qs {
		if a.cfg.OnlyTask != "" && q.TaskID != a.cfg.OnlyTask {
			continue
		}
		if !opts.force {
			if r, err := a.answers.Get(ctx, q.TaskID); err == nil {
				fmt.Fprintf(w, "%s %s\n", bold(q.TaskID), gray("already answered: "+r.Answer))
				continue
			}
		}
		todo = append(todo, controller.Question{TaskID: q.TaskID, Text: q.Question, Attachment: a.loadAttachment(ctx, q)})
	}
	if len(todo) == 0 {
		fmt.Fprintln(w, yellow("Nothing to solve."))
		return nil
	}
	byID := make(map[string]string, len(todo))
	for _, q := range todo {
		byID[q.TaskID] = q.Text
	}

	submit := opts.submit && a.cfg.Username != ""
	if opts.submit && !submit {
		fmt.Fprintln(w, yellow("No username configured: answers are stored but not submitted."))
	}
	var (
		mu       sync.Mutex
		answered int
	)
	onOutcome := func(ctx context.Context, o controller.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		id := o.Question.TaskID
		if o.Err != nil {
			fmt.Fprintf(w, "%s %s\n", bold(id), red(o.Err.Error()))
			return
		}
		answered++
		rec := answers.Record{
			TaskID:   id,
			Question: byID[id],
			Answer:   o.Result.Answer,
			RunID:    o.Result.RunID,
			Attempts: o.Result.Attempts,
			SolvedAt: time.Now().UTC(),
		}
		if err := a.answers.Put(ctx, rec); err != nil {
			a.tel.Logger.Error(ctx, "store answer", "task_id", id, "err", err)
		}
		fmt.Fprintf(w, "%s %s\n", bold(id), green(o.Result.Answer))
		if submit {
			status := a.questions.Submit(ctx, questions.Submission{
				Username:  a.cfg.Username,
				AgentCode: a.cfg.AgentCode,
				Answers:   []questions.Answer{{TaskID: id, SubmittedAnswer: o.Result.Answer}},
			})
			fmt.Fprintf(w, "  %s\n", gray("submission: "+status))
		}
	}
	a.runner(onOutcome).SolveAll(ctx, todo, a.cfg.Concurrency)
	fmt.Fprintf(w, "Answered %d of %d tasks.\n", answered, len(todo))
	return ctx.Err()
}

// loadAttachment downloads and classifies the file of q. Failures are logged
// and the task proceeds without the attachment.
func (a *app) loadAttachment(ctx context.Context, q questions.Question) *task.Attachment {
	if q.FileName == "" {
		return nil
	}
	path, err := a.questions.DownloadFile(ctx, q.TaskID, q.FileName, a.cfg.TmpDir)
	if err != nil {
		a.tel.Logger.Warn(ctx, "attachment download failed", "task_id", q.TaskID, "file", q.FileName, "err", err)
		return nil
	}
	att, err := attachment.Load(path)
	if err != nil {
		a.tel.Logger.Warn(ctx, "attachment unreadable", "task_id", q.TaskID, "path", path, "err", err)
		return nil
	}
	return att
}

func fetchQuestions(ctx context.Context, qc *questions.Client, random bool) ([]questions.Question, error) {
	if !random {
		return qc.Questions(ctx)
	}
	q, err := qc.RandomQuestion(ctx)
	if err != nil {
		return nil, err
	}
	return []questions.Question{q}, nil
}
