package main

import (
	"context"
	"errors"
	"strings"

	"github.com/drpcorg/scenesync"
	"github.com/drpcorg/scenesync/replication"
	"github.com/drpcorg/scenesync/scene"
)

var ErrUsage = errors.New("bad arguments, try help")

func (repl *REPL) joined() (*scenesync.SceneStore, error) {
	if repl.store == nil {
		return nil, ErrNotJoined
	}
	return repl.store, nil
}

func (repl *REPL) CommandJoin(ctx context.Context, args []string) (err error) {
	if repl.store != nil {
		return replication.ErrAlreadyJoined
	}
	opts := repl.opts
	if len(args) > 0 {
		opts.Room = args[0]
	}
	if opts.Room == "" {
		return ErrUsage
	}
	repl.store, err = scenesync.Open(ctx, opts)
	if err != nil {
		return err
	}
	repl.store.OnMembership(func(ev replication.MembershipEvent) {
		repl.printf("peer %s %s %s\n", ev.Name, ev.Replica, ev.Kind)
	})
	repl.printf("joined %s as %s\n", repl.store.Room(), repl.store.Replica())
	return nil
}

func (repl *REPL) CommandLeave(args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	repl.store = nil
	return store.LeaveRoom()
}

func (repl *REPL) CommandListen(args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return ErrUsage
	}
	if err = store.Listen(args[0]); err != nil {
		return err
	}
	repl.printf("listening on %s\n", store.ListenAddr(args[0]))
	return nil
}

func (repl *REPL) CommandUnlisten(args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return ErrUsage
	}
	return store.Unlisten(args[0])
}

func (repl *REPL) CommandConnect(args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return ErrUsage
	}
	return store.Connect(args[0])
}

func (repl *REPL) CommandDisconnect(args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return ErrUsage
	}
	return store.Disconnect(args[0])
}

func (repl *REPL) CommandPeers(args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	stats := store.NetStats()
	for _, p := range store.Peers() {
		repl.printf("%-40s %-36s %-10s in:%d out:%d\n", p.Name, p.Replica, p.State,
			stats.ReadBuffers[p.Name], stats.WriteBatches[p.Name])
	}
	return nil
}

// parseFields reads "p=1,2,3 rot=0,90,0" into an update.
func parseFields(args []string) (scene.Fields, error) {
	raw := make(map[string]any, len(args))
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			return scene.Fields{}, ErrUsage
		}
		raw[key] = val
	}
	return scene.ParseFields(raw)
}

func (repl *REPL) CommandAdd(ctx context.Context, args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	f, err := parseFields(args)
	if err != nil {
		return err
	}
	id, err := store.AddObject(ctx, f)
	if err != nil {
		return err
	}
	repl.printf("%s\n", id)
	return nil
}

func (repl *REPL) CommandUpdate(ctx context.Context, args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return ErrUsage
	}
	f, err := parseFields(args[1:])
	if err != nil {
		return err
	}
	return store.UpdateObject(ctx, args[0], f)
}

func (repl *REPL) CommandDelete(ctx context.Context, args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return ErrUsage
	}
	return store.DeleteObject(ctx, args[0])
}

func (repl *REPL) printObject(o scene.Object) {
	repl.printf("%s\tp=%s\tr=%s\n", o.ID, o.Position, o.Rotation)
}

func (repl *REPL) CommandGet(args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return ErrUsage
	}
	o, ok := store.Get(args[0])
	if !ok {
		repl.printf("no such object\n")
		return nil
	}
	repl.printObject(o)
	return nil
}

func (repl *REPL) CommandList(args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	for _, o := range store.Snapshot() {
		repl.printObject(o)
	}
	return nil
}

func (repl *REPL) CommandDigest(args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	repl.printf("%016x\n", store.Digest())
	return nil
}

func (repl *REPL) CommandVV(args []string) error {
	store, err := repl.joined()
	if err != nil {
		return err
	}
	repl.printf("%s\tretained %d\n", store.StateVector().String(), store.LogLen())
	return nil
}
