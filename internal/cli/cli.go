// Package cli implements the start-up and shutdown steps
// shared by the training commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/internal/logging"
	"github.com/bisimlab/bisim/internal/runindex"
	"github.com/bisimlab/bisim/saver"
	"github.com/spf13/cobra"
	"github.com/unixpickle/essentials"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	// LogFile is the name of the main log file.
	LogFile = "main.log"

	// IndexFile is the run index inside the base
	// directory.
	IndexFile = "runs.db"

	// Seed seeds every random source.
	Seed = 2019

	// TrainingLogFreq is the number of steps between
	// training log lines.
	TrainingLogFreq = 100
)

// Options configures a Session.
type Options struct {
	Command string

	// DirName is the templated output directory.
	// It is only created if Save is set.
	DirName string
	Save    bool

	// BaseDir holds the run index.
	BaseDir string

	// GPUs is exported as CUDA_VISIBLE_DEVICES if set.
	GPUs string

	Verbose  bool
	Settings any
}

// Session holds everything a command sets up before it
// creates its runner.
type Session struct {
	Saver  *saver.Saver
	Log    *zap.Logger
	Logger bisim.Logger

	command  string
	settings any
	index    *runindex.Index
	closeLog func()
}

// Start creates the output directory, saves the settings,
// and sets up logging.
func Start(opts Options) (s *Session, err error) {
	defer essentials.AddCtxTo("start session", &err)
	if opts.GPUs != "" {
		if err := os.Setenv("CUDA_VISIBLE_DEVICES", opts.GPUs); err != nil {
			return nil, err
		}
	}

	s = &Session{Saver: saver.New(""), command: opts.Command, settings: opts.Settings}
	if opts.Save {
		dir, err := saver.CreateDir(opts.DirName, true)
		if err != nil {
			return nil, err
		}
		s.Saver = saver.New(dir)
	}
	if err := s.Saver.SaveSettings(opts.Command, opts.Settings); err != nil {
		return nil, err
	}

	s.Log, s.closeLog, err = logging.New(s.Saver.SaveFile(LogFile), opts.Verbose)
	if err != nil {
		return nil, err
	}
	s.Logger = &bisim.ZapLogger{Log: s.Log, TrainingFreq: TrainingLogFreq}
	s.Log.Info("Run with arguments", zap.Any("settings", opts.Settings),
		zap.String("dir", s.Saver.Dir))

	if opts.Save {
		if err := s.register(filepath.Join(opts.BaseDir, IndexFile)); err != nil {
			s.closeLog()
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) register(path string) error {
	idx, err := runindex.Open(path)
	if err != nil {
		return err
	}
	settings, err := yaml.Marshal(s.settings)
	if err != nil {
		idx.Close()
		return err
	}
	run := &runindex.Run{
		ID:       s.Saver.RunID,
		Command:  s.command,
		Dir:      s.Saver.Dir,
		Settings: string(settings),
	}
	if err := idx.Start(context.Background(), run); err != nil {
		idx.Close()
		return err
	}
	s.index = idx
	return nil
}

// Drive runs the runner's life-cycle.
// Ctrl+C stops training early, after which the remaining
// stages still run.
func (s *Session) Drive(r bisim.Runner, opts bisim.DriveOptions) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			s.Log.Warn("interrupted, finishing up")
			// A second Ctrl+C kills the process.
			stop()
		case <-finished:
		}
	}()

	err = bisim.Drive(ctx, r, opts)
	var metrics bisim.Losses
	if m, ok := r.(interface{ Metrics() bisim.Losses }); ok {
		metrics = m.Metrics()
	}
	if err != nil {
		s.Log.Error("run failed", zap.Error(err))
	} else {
		s.Log.Info("run finished", metrics.Fields()...)
	}
	if s.index != nil {
		if indexErr := s.finishRun(err, metrics); indexErr != nil {
			s.Log.Error("failed to update run index", zap.Error(indexErr))
		}
	}
	return err
}

func (s *Session) finishRun(runErr error, metrics bisim.Losses) error {
	ctx := context.Background()
	if err := s.index.Finish(ctx, s.Saver.RunID, runErr, metrics); err != nil {
		return err
	}
	run, err := s.index.Get(ctx, s.Saver.RunID)
	if err != nil {
		return err
	}
	s.Log.Info("indexed run", zap.String("id", run.ID), zap.String("status", run.Status),
		zap.Duration("duration", run.Finished.Sub(run.Started)))
	return nil
}

// Close flushes the logs and closes the run index.
func (s *Session) Close() {
	if s.index != nil {
		s.index.Close()
	}
	s.closeLog()
}

// ListRuns writes a table of the runs indexed in baseDir.
func ListRuns(w io.Writer, baseDir string) (err error) {
	defer essentials.AddCtxTo("list runs", &err)
	path := filepath.Join(baseDir, IndexFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		_, err = fmt.Fprintln(w, "no runs in", baseDir)
		return err
	}
	idx, err := runindex.Open(path)
	if err != nil {
		return err
	}
	defer idx.Close()
	runs, err := idx.List(context.Background())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOMMAND\tSTATUS\tSTARTED\tDIR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Command, r.Status,
			r.Started.Format(time.DateTime), r.Dir)
	}
	return tw.Flush()
}

// RunsCommand creates a "runs" subcommand that lists the
// run index.
func RunsCommand(defaultBaseDir string) *cobra.Command {
	var baseDir string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List saved runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ListRuns(cmd.OutOrStdout(), baseDir)
		},
	}
	cmd.Flags().StringVar(&baseDir, "base-dir", defaultBaseDir, "directory holding the run index")
	return cmd
}
