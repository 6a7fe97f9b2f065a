package cli

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop feeds exec with lines from terminal prompt or, when stdin is not a terminal, from stdin until EOF.
// Returns on EOF, Ctrl-D or ctx done.
func MainLoop(ctx context.Context, tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		// TODO OptionHistory
		p := prompt.New(
			func(line string) {
				if ctx.Err() == nil {
					exec(line)
				}
			},
			complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		)
		p.Run()
		return nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		exec(line)
	}
	return scanner.Err()
}
