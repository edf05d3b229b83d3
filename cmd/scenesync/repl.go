package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drpcorg/scenesync"
	"github.com/ergochat/readline"
)

// REPL per se.
type REPL struct {
	opts  scenesync.Options
	store *scenesync.SceneStore
	rl    *readline.Instance
	out   io.Writer
}

var ErrNotJoined = errors.New("join a room first")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("join"),
	readline.PcItem("leave"),
	readline.PcItem("listen"),
	readline.PcItem("unlisten"),
	readline.PcItem("connect"),
	readline.PcItem("disconnect"),
	readline.PcItem("peers"),

	readline.PcItem("add"),
	readline.PcItem("update"),
	readline.PcItem("delete"),
	readline.PcItem("get"),
	readline.PcItem("ls"),

	readline.PcItem("digest"),
	readline.PcItem("vv"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".scenesync_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.out = os.Stdout
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	var err error
	if repl.store != nil {
		err = repl.store.LeaveRoom()
		repl.store = nil
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return err
}

func (repl *REPL) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(repl.out, format, args...)
}

// REPL reads and runs one command.
func (repl *REPL) REPL(ctx context.Context) (err error) {
	var line string
	line, err = repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}
	return repl.Command(ctx, line)
}

func (repl *REPL) Command(ctx context.Context, line string) (err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "help":
		repl.printf("%s", usage)
	// ----- room -----
	case "join":
		err = repl.CommandJoin(ctx, args)
	case "leave":
		err = repl.CommandLeave(args)
	case "exit", "quit":
		if repl.store != nil {
			err = repl.CommandLeave(args)
		}
		if err == nil {
			err = io.EOF
		}
	// ----- networking -----
	case "listen":
		err = repl.CommandListen(args)
	case "unlisten":
		err = repl.CommandUnlisten(args)
	case "connect":
		err = repl.CommandConnect(args)
	case "disconnect":
		err = repl.CommandDisconnect(args)
	case "peers":
		err = repl.CommandPeers(args)
	// ----- objects -----
	case "add":
		err = repl.CommandAdd(ctx, args)
	case "update", "set":
		err = repl.CommandUpdate(ctx, args)
	case "delete", "rm":
		err = repl.CommandDelete(ctx, args)
	case "get":
		err = repl.CommandGet(args)
	case "ls", "list":
		err = repl.CommandList(args)
	// ----- debug -----
	case "digest":
		err = repl.CommandDigest(args)
	case "vv":
		err = repl.CommandVV(args)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return
}

const usage = `join <room>                 open the scene of a room
leave                       leave the room
listen <addr>               accept peers, like tcp://:7500 or ws://:7501/sync
unlisten <addr>             stop accepting on addr
connect <addr>              dial a peer
disconnect <addr>           stop dialling a peer
peers                       list peers and their state
add p=x,y,z [r=x,y,z]       create an object
update <id> p=x,y,z ...     change fields of an object
delete <id>                 delete an object
get <id>                    show one object
ls                          show the scene
digest                      scene hash, equal on converged replicas
vv                          state vector
exit                        leave and quit
`
