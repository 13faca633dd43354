// Package subprocess runs submitted code as a local child process. Each
// worker host runs one language toolchain; kernel-level isolation is the
// deployment's concern, this adapter only owns process lifecycle, limits
// and output capture.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/codrlabs/codr/internal/domain"
)

// maxOutputBytes caps captured stdout/stderr so a print loop cannot blow
// up the job record.
const maxOutputBytes = 64 * 1024

type step struct {
	name string
	args []string
}

// plan holds the per-language compile and run steps. {file} expands to the
// source path, {bin} to a scratch binary path, {dir} to the work dir.
type plan struct {
	filename string
	steps    []step
}

var plans = map[domain.Language]plan{
	domain.LangPython: {
		filename: "main.py",
		steps:    []step{{"python3", []string{"{file}"}}},
	},
	domain.LangJavaScript: {
		filename: "main.js",
		steps:    []step{{"node", []string{"{file}"}}},
	},
	domain.LangTypeScript: {
		filename: "main.ts",
		steps:    []step{{"npx", []string{"tsx", "{file}"}}},
	},
	domain.LangJava: {
		filename: "Main.java",
		steps:    []step{{"java", []string{"{file}"}}},
	},
	domain.LangCPP: {
		filename: "main.cpp",
		steps: []step{
			{"g++", []string{"-O2", "-o", "{bin}", "{file}"}},
			{"{bin}", nil},
		},
	},
	domain.LangC: {
		filename: "main.c",
		steps: []step{
			{"gcc", []string{"-O2", "-o", "{bin}", "{file}"}},
			{"{bin}", nil},
		},
	},
	domain.LangGo: {
		filename: "main.go",
		steps:    []step{{"go", []string{"run", "{file}"}}},
	},
	domain.LangRust: {
		filename: "main.rs",
		steps: []step{
			{"rustc", []string{"-O", "-o", "{bin}", "{file}"}},
			{"{bin}", nil},
		},
	},
}

// Runner implements domain.Sandbox for one language.
type Runner struct {
	lang    domain.Language
	timeout time.Duration
}

// New builds a Runner. An unsupported language is a construction error,
// not a per-job one.
func New(lang domain.Language, timeout time.Duration) (*Runner, error) {
	if _, ok := plans[lang]; !ok {
		return nil, fmt.Errorf("%w: no execution plan for language %q", domain.ErrInvalidArgument, lang)
	}
	return &Runner{lang: lang, timeout: timeout}, nil
}

// Execute writes the code to a scratch dir and runs the language's plan.
// Compile failures and non-zero exits are reported inside the result, not
// as errors; an error means the sandbox itself broke.
func (r *Runner) Execute(ctx context.Context, code, filename string) (domain.ExecutionResult, error) {
	p := plans[r.lang]

	dir, err := os.MkdirTemp("", "codr-job-*")
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	srcName := p.filename
	if filename != "" && domain.ValidFilename(filename) {
		srcName = filename
	}
	src := filepath.Join(dir, srcName)
	if err := os.WriteFile(src, []byte(code), 0o600); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("write source: %w", err)
	}
	bin := filepath.Join(dir, "a.out")

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	var stdout, stderr bytes.Buffer
	for _, s := range p.steps {
		stdout.Reset()
		stderr.Reset()
		name := expand(s.name, src, bin, dir)
		args := make([]string, len(s.args))
		for i, a := range s.args {
			args[i] = expand(a, src, bin, dir)
		}
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = dir
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		elapsed := time.Since(start).Seconds()
		if ctx.Err() != nil {
			return domain.ExecutionResult{
				Success:       false,
				Stderr:        fmt.Sprintf("execution timed out after %s", r.timeout),
				ExitCode:      -1,
				ExecutionTime: elapsed,
			}, nil
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return domain.ExecutionResult{
					Success:       false,
					Stdout:        truncate(stdout.String()),
					Stderr:        truncate(stderr.String()),
					ExitCode:      exitErr.ExitCode(),
					ExecutionTime: elapsed,
				}, nil
			}
			return domain.ExecutionResult{}, fmt.Errorf("run %s: %w", name, err)
		}
	}
	return domain.ExecutionResult{
		Success:       true,
		Stdout:        truncate(stdout.String()),
		Stderr:        truncate(stderr.String()),
		ExitCode:      0,
		ExecutionTime: time.Since(start).Seconds(),
	}, nil
}

func expand(s, file, bin, dir string) string {
	switch s {
	case "{file}":
		return file
	case "{bin}":
		return bin
	case "{dir}":
		return dir
	}
	return s
}

func truncate(s string) string {
	if len(s) > maxOutputBytes {
		return s[:maxOutputBytes] + "\n... output truncated"
	}
	return s
}
