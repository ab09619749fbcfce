package cli

import (
	"bufio"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

type Completer func(d prompt.Document) []prompt.Suggest

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// MainLoop feeds exec with lines from interactive prompt or stdin.
// Returns on stdin EOF. Signals call onSignal, nil means exit(1).
func MainLoop(tag string, exec func(line string), complete Completer, onSignal func(os.Signal)) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer signal.Stop(signalCh)
	go func() {
		for s := range signalCh {
			if onSignal == nil {
				os.Exit(1)
			}
			onSignal(s)
		}
	}()

	if IsInteractive() {
		if complete == nil {
			complete = func(prompt.Document) []prompt.Suggest { return nil }
		}
		prompt.New(exec, prompt.Completer(complete),
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		exec(strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		log.Printf("%s: stdin err=%v", tag, err)
	}
}

// Suggest filters suggestions by word before cursor.
func Suggest(suggests []prompt.Suggest) Completer {
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}
