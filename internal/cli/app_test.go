package cli

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/d9pouces/hairgap/internal/termcolor"
)

func noColorWriter() *termcolor.Writer {
	return termcolor.NewWriter(os.Stdout, termcolor.ColorNever)
}

func TestRunDispatchesToCorrectCommand(t *testing.T) {
	app := NewApp("test", "1.0.0")
	var buf bytes.Buffer
	app.Stderr = &buf

	called := ""
	app.Register(&Command{
		Name:    "send",
		Summary: "Push a directory across the pipe",
		Run:     func(args []string) int { called = "send"; return 0 },
	})
	app.Register(&Command{
		Name:    "receive",
		Summary: "Consume deliveries from the pipe",
		Run:     func(args []string) int { called = "receive"; return 0 },
	})

	code := app.Run([]string{"receive", "--dest", "/tmp/in"}, noColorWriter())
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if called != "receive" {
		t.Fatalf("expected 'receive' command to be called, got %q", called)
	}
}

func TestRunPassesSubArgs(t *testing.T) {
	app := NewApp("test", "1.0.0")
	app.Stderr = &bytes.Buffer{}

	var got []string
	app.Register(&Command{
		Name:    "send",
		Summary: "Push a directory across the pipe",
		Run:     func(args []string) int { got = args; return 0 },
	})

	app.Run([]string{"send", "--source", "/tmp/out", "--port", "5000"}, noColorWriter())
	if len(got) != 4 || got[0] != "--source" || got[1] != "/tmp/out" {
		t.Fatalf("expected [--source /tmp/out --port 5000], got %v", got)
	}
}

func TestRunEmptyArgs(t *testing.T) {
	app := NewApp("test", "1.0.0")
	var buf bytes.Buffer
	app.Stderr = &buf

	app.Register(&Command{Name: "send", Summary: "Push a directory across the pipe", Run: func([]string) int { return 0 }})

	code := app.Run(nil, noColorWriter())
	if code != 1 {
		t.Fatalf("expected exit code 1 for empty args, got %d", code)
	}
	if !strings.Contains(buf.String(), "Commands:") {
		t.Fatal("expected help output on stderr for empty args")
	}
}

func TestRunHelp(t *testing.T) {
	for _, trigger := range []string{"help", "-h", "--help"} {
		t.Run(trigger, func(t *testing.T) {
			app := NewApp("test", "1.0.0")
			var buf bytes.Buffer
			app.Stderr = &buf

			app.Register(&Command{Name: "send", Summary: "Push a directory across the pipe", Run: func([]string) int { return 0 }})

			code := app.Run([]string{trigger}, noColorWriter())
			if code != 0 {
				t.Fatalf("expected exit code 0 for %q, got %d", trigger, code)
			}
			if !strings.Contains(buf.String(), "Commands:") {
				t.Fatalf("expected help output for %q", trigger)
			}
		})
	}
}

func TestRunHelpSubcommand(t *testing.T) {
	app := NewApp("test", "1.0.0")
	var buf bytes.Buffer
	app.Stderr = &buf

	app.Register(&Command{
		Name:    "send",
		Summary: "Push a directory across the pipe",
		Usage:   "test send [--redundancy <n>]",
		Run:     func([]string) int { return 0 },
	})

	code := app.Run([]string{"help", "send"}, noColorWriter())
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(buf.String(), "Push a directory across the pipe") {
		t.Fatal("expected per-command help with summary")
	}
}

func TestRunSubcommandHFlag(t *testing.T) {
	app := NewApp("test", "1.0.0")
	var buf bytes.Buffer
	app.Stderr = &buf

	app.Register(&Command{
		Name:    "send",
		Summary: "Push a directory across the pipe",
		Usage:   "test send [--redundancy <n>]",
		Run:     func([]string) int { return 99 },
	})

	code := app.Run([]string{"send", "-h"}, noColorWriter())
	if code != 0 {
		t.Fatalf("expected exit code 0 for sub -h, got %d", code)
	}
	if !strings.Contains(buf.String(), "Push a directory across the pipe") {
		t.Fatal("expected per-command help for -h flag")
	}
}

func TestRunUnknownCommandWithSuggestion(t *testing.T) {
	app := NewApp("test", "1.0.0")
	var buf bytes.Buffer
	app.Stderr = &buf

	app.Register(&Command{Name: "send", Summary: "Push a directory across the pipe", Run: func([]string) int { return 0 }})
	app.Register(&Command{Name: "receive", Summary: "Consume deliveries from the pipe", Run: func([]string) int { return 0 }})

	code := app.Run([]string{"sned"}, noColorWriter())
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	out := buf.String()
	if !strings.Contains(out, `"sned" is not a command`) {
		t.Fatal("expected unknown command error")
	}
	if !strings.Contains(out, `Did you mean "send"`) {
		t.Fatal("expected suggestion")
	}
}

func TestRunUnknownCommandNoSuggestion(t *testing.T) {
	app := NewApp("test", "1.0.0")
	var buf bytes.Buffer
	app.Stderr = &buf

	app.Register(&Command{Name: "send", Summary: "Push a directory across the pipe", Run: func([]string) int { return 0 }})

	code := app.Run([]string{"xxxxxxx"}, noColorWriter())
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	out := buf.String()
	if strings.Contains(out, "Did you mean") {
		t.Fatal("expected no suggestion for very different input")
	}
	if !strings.Contains(out, "Run 'test help'") {
		t.Fatal("expected help hint")
	}
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	app := NewApp("test", "1.0.0")
	app.Register(&Command{Name: "send", Summary: "s", Run: func([]string) int { return 0 }})

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on duplicate Register")
		}
	}()
	app.Register(&Command{Name: "send", Summary: "s2", Run: func([]string) int { return 0 }})
}

func TestCommandNames(t *testing.T) {
	app := NewApp("test", "1.0.0")
	app.Register(&Command{Name: "version", Summary: "s", Run: func([]string) int { return 0 }})
	app.Register(&Command{Name: "receive", Summary: "s", Run: func([]string) int { return 0 }})
	app.Register(&Command{Name: "send", Summary: "s", Run: func([]string) int { return 0 }})

	names := app.CommandNames()
	expected := []string{"receive", "send", "version"}
	if len(names) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, names)
	}
	for i, n := range names {
		if n != expected[i] {
			t.Fatalf("expected %v, got %v", expected, names)
		}
	}
}
