// Package subcmd dispatches sensornet sub-commands and talks to systemd.
package subcmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/sensornet/state"
)

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *state.Config, *log2.Log) error
}

// Parse finds module by command name, first argument of sensornet.
func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, errors.Errorf("empty command, expected one of: %s", Names(modules))
	}
	for i := range modules {
		switch modules[i].Name {
		case "":
			panic(fmt.Sprintf("code error module[%d] Name=empty usage=%q", i, modules[i].Usage))
		case command:
			return &modules[i], nil
		}
	}
	return nil, errors.Errorf("unknown command='%s'", command)
}

func Names(modules []Mod) string {
	names := make([]string, len(modules))
	for i, m := range modules {
		names[i] = m.Name
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// SdNotify returns true if running under systemd.
func SdNotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
