// Package jobctl implements the file protocol used to resume optimization
// jobs on a cluster and to exchange sequences and measured signals with a
// scanner host.
package jobctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mrgradopt/internal/model"
	"mrgradopt/internal/sequence"
)

const (
	ControlFile = "jobcontrol.txt"
	HistoryBlob = "temp_param_reco_history.json"
	ParamsBlob  = "temp_lastparam.json"
	DataDir     = "data"
)

// Status is the first line of the control file.
type Status int

const (
	StatusSubmitted Status = 0
	StatusFinished  Status = 2
)

const (
	DefaultPollInterval = time.Second
	DefaultTimeout      = 10 * time.Minute
	DefaultBackoff      = 1.5
)

var (
	ErrPollTimeout      = errors.New("job poll timed out")
	ErrMalformedControl = errors.New("malformed job control file")
)

type Config struct {
	// Dir is the experiment directory (<root>/seq<date>/<experiment>).
	Dir          string
	PollInterval time.Duration
	// MaxPollInterval caps the backoff between polls.
	MaxPollInterval time.Duration
	Timeout         time.Duration
	// MaxRetries bounds the number of polls; zero leaves only Timeout.
	MaxRetries int
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = 8 * c.PollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// State is what a resumed job picks up from disk.
type State struct {
	Status    Status
	Iteration int
	Params    *sequence.Params
	History   []model.HistoryEntry
}

type Controller struct {
	cfg Config
}

func New(cfg Config) (*Controller, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("job directory is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	return &Controller{cfg: cfg.withDefaults()}, nil
}

func (c *Controller) Dir() string { return c.cfg.Dir }

func (c *Controller) path(name string) string { return filepath.Join(c.cfg.Dir, name) }

// Query reads the control file. A missing file means a fresh job at
// iteration 0; a positive iteration loads the saved parameters and history.
func (c *Controller) Query() (State, error) {
	status, iter, err := c.readControl()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, err
	}
	st := State{Status: status, Iteration: iter}
	if iter <= 0 {
		st.Iteration = 0
		return st, nil
	}
	if status == StatusFinished {
		return st, nil
	}
	var params sequence.Params
	if err := readJSON(c.path(ParamsBlob), &params); err != nil {
		return State{}, fmt.Errorf("load %s: %w", ParamsBlob, err)
	}
	if err := readJSON(c.path(HistoryBlob), &st.History); err != nil {
		return State{}, fmt.Errorf("load %s: %w", HistoryBlob, err)
	}
	st.Params = &params
	return st, nil
}

// Update records progress. An unfinished job saves params and history so it
// can be resumed; a finished one removes them. The control file always
// holds the next iteration to run.
func (c *Controller) Update(iter int, finished bool, params *sequence.Params, hist []model.HistoryEntry) error {
	if err := os.MkdirAll(filepath.Join(c.cfg.Dir, DataDir), 0o755); err != nil {
		return err
	}
	status := StatusSubmitted
	if finished {
		status = StatusFinished
		for _, name := range []string{HistoryBlob, ParamsBlob} {
			if err := os.Remove(c.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	} else {
		if params == nil {
			return errors.New("params are required for an unfinished job")
		}
		if hist == nil {
			hist = []model.HistoryEntry{}
		}
		if err := writeJSON(c.path(HistoryBlob), hist); err != nil {
			return err
		}
		if err := writeJSON(c.path(ParamsBlob), params); err != nil {
			return err
		}
	}
	line := fmt.Sprintf("%d\n%d", int(status), iter+1)
	return os.WriteFile(c.path(ControlFile), []byte(line), 0o644)
}

// WaitFinished polls the control file until the job reports finished, then
// removes it.
func (c *Controller) WaitFinished(ctx context.Context) (State, error) {
	var st State
	err := Poll(ctx, c.cfg, func() (bool, error) {
		status, iter, err := c.readControl()
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		st = State{Status: status, Iteration: iter}
		return status == StatusFinished, nil
	})
	if err != nil {
		return State{}, err
	}
	if err := os.Remove(c.path(ControlFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return State{}, err
	}
	return st, nil
}

func (c *Controller) readControl() (Status, int, error) {
	data, err := os.ReadFile(c.path(ControlFile))
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Fields(string(data))
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedControl, string(data))
	}
	status, err := strconv.Atoi(lines[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: status %q", ErrMalformedControl, lines[0])
	}
	iter, err := strconv.Atoi(lines[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: iteration %q", ErrMalformedControl, lines[1])
	}
	return Status(status), iter, nil
}

// Poll calls check until it reports done, backing off between attempts.
// It gives up after cfg.Timeout or cfg.MaxRetries attempts.
func Poll(ctx context.Context, cfg Config, check func() (bool, error)) error {
	cfg = cfg.withDefaults()
	deadline := time.Now().Add(cfg.Timeout)
	backoff := cfg.PollInterval
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries {
			return fmt.Errorf("%w after %d attempts", ErrPollTimeout, attempt)
		}
		if !time.Now().Add(backoff).Before(deadline) {
			return fmt.Errorf("%w after %s", ErrPollTimeout, cfg.Timeout)
		}
		cfg.Logger.Debug("job not ready", "dir", cfg.Dir, "attempt", attempt, "backoff", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		next := time.Duration(float64(backoff) * DefaultBackoff)
		if next > cfg.MaxPollInterval {
			next = cfg.MaxPollInterval
		}
		backoff = next
	}
}

func writeJSON(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
