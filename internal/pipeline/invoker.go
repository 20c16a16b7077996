package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultLengthScale is the synthesis speed used when a request does not set one.
const DefaultLengthScale = 1.5

// Invoker runs the conversion pipeline with configured tool paths.
type Invoker struct {
	piperPath        string
	ffmpegPath       string
	ebookConvertPath string
	tempDir          string
	logger           *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(inv *Invoker) {
		inv.logger = logger
	}
}

// WithEbookConvertPath sets the document converter binary.
func WithEbookConvertPath(path string) Option {
	return func(inv *Invoker) {
		inv.ebookConvertPath = path
	}
}

// NewInvoker creates a pipeline invoker. piperPath and ffmpegPath are the
// synthesis and encoding binaries; tempDir holds per-job scratch space.
func NewInvoker(piperPath, ffmpegPath, tempDir string, opts ...Option) *Invoker {
	inv := &Invoker{
		piperPath:        piperPath,
		ffmpegPath:       ffmpegPath,
		ebookConvertPath: "ebook-convert",
		tempDir:          tempDir,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Convert runs the pipeline for one request. Output lines from every stage
// are relayed to onLog as they arrive; onLog may be nil. On cancellation the
// running process group receives a termination signal, partial outputs are
// removed and the returned error matches ErrCancelled. A stage exiting
// non-zero stops the pipeline with a *ConversionError.
func (inv *Invoker) Convert(ctx context.Context, req Request, onLog LogFunc) (Result, error) {
	if _, err := os.Stat(req.InputPath); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrInputNotFound, req.InputPath)
	}

	ext := strings.ToLower(filepath.Ext(req.InputPath))
	if !supportedExtensions[ext] {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedInput, ext)
	}

	outputPath := req.OutputPath
	if outputPath == "" {
		outputPath = OutputPath(req.InputPath)
	}

	lengthScale := req.LengthScale
	if lengthScale == 0 {
		lengthScale = DefaultLengthScale
	}

	if err := os.MkdirAll(inv.tempDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating temp dir: %w", err)
	}
	workDir, err := os.MkdirTemp(inv.tempDir, "conversion-*")
	if err != nil {
		return Result{}, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	var stages []Stage

	textPath := req.InputPath
	if !plainTextExtensions[ext] {
		textPath = filepath.Join(workDir, "document.txt")
		err = inv.runStage(ctx, StageDocumentConvert, onLog, nil,
			inv.ebookConvertPath, req.InputPath, textPath)
		if err != nil {
			return Result{}, err
		}
		stages = append(stages, StageDocumentConvert)
	}

	text, err := os.Open(textPath)
	if err != nil {
		return Result{}, fmt.Errorf("opening text for synthesis: %w", err)
	}
	wavPath := filepath.Join(workDir, "audio.wav")
	err = inv.runStage(ctx, StageSynthesize, onLog, text,
		inv.piperPath,
		"--model", req.ModelPath,
		"--length_scale", strconv.FormatFloat(lengthScale, 'f', -1, 64),
		"--output-file", wavPath)
	text.Close()
	if err != nil {
		return Result{}, err
	}
	stages = append(stages, StageSynthesize)

	encodeArgs := []string{"-y", "-i", wavPath, "-id3v2_version", "3"}
	if req.Author != "" {
		encodeArgs = append(encodeArgs, "-metadata", "artist="+req.Author)
	}
	if req.Title != "" {
		encodeArgs = append(encodeArgs, "-metadata", "album="+req.Title)
	}
	encodeArgs = append(encodeArgs, outputPath)
	err = inv.runStage(ctx, StageEncode, onLog, nil, inv.ffmpegPath, encodeArgs...)
	if err != nil {
		os.Remove(outputPath)
		return Result{}, err
	}
	stages = append(stages, StageEncode)

	inv.logger.Info("conversion completed",
		"input", req.InputPath,
		"output", outputPath)

	return Result{OutputPath: outputPath, Stages: stages}, nil
}

// runStage executes one external command, streaming its combined output line
// by line and keeping a trailing window for diagnostics.
func (inv *Invoker) runStage(ctx context.Context, stage Stage, onLog LogFunc, stdin io.Reader, name string, args ...string) error {
	inv.logger.Info("running pipeline stage", "stage", string(stage), "command", name)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Terminate the whole process group so tool-spawned children die too.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s stage: %w", stage, err)
	}

	tail := newTailBuffer(tailLines)
	// Serialize the callback since stdout and stderr are scanned concurrently.
	var logMu sync.Mutex
	var wg sync.WaitGroup
	for _, pipe := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				tail.add(line)
				if onLog != nil {
					logMu.Lock()
					onLog(stage, line)
					logMu.Unlock()
				}
			}
		}(pipe)
	}
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s stage", ErrCancelled, stage)
	}
	var exitErr *exec.ExitError
	exitCode := -1
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &ConversionError{
		Stage:    stage,
		ExitCode: exitCode,
		Tail:     tail.lines(),
	}
}

// tailBuffer keeps the last n lines added to it.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	batch []string
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batch = append(t.batch, line)
	if len(t.batch) > t.max {
		t.batch = t.batch[len(t.batch)-t.max:]
	}
}

func (t *tailBuffer) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.batch))
	copy(out, t.batch)
	return out
}
