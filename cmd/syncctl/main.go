package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danmuck/sessync/internal/doc"
	"github.com/danmuck/sessync/internal/logging"
	"github.com/danmuck/sessync/internal/logs"
	"github.com/danmuck/sessync/internal/snapshot"
	"github.com/danmuck/sessync/internal/syncsession"
)

const usage = `usage: syncctl [-config path] <command>

commands:
  create                     create a session, register as primary and watch it
  join <session-id>          register in an existing session and watch it
  watch <session-id>         watch a session without registering
  progress <session-id> <n> [step]
                             set transcription progress and exit
`

const snapshotRetention = 24 * time.Hour

func main() {
	path := flag.String("config", "", "syncctl config (TOML)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*path, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, args []string) error {
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []syncsession.Option
	if cfg.Snapshots != "" {
		store, err := snapshot.Open(cfg.Snapshots)
		if err != nil {
			return err
		}
		defer store.Close()
		// Sessions expire after an hour at the backend; older checkpoints are dead weight.
		if n, err := store.Prune(ctx, time.Now().Add(-snapshotRetention)); err != nil {
			logs.Warnf("syncctl prune snapshots err=%v", err)
		} else if n > 0 {
			logs.Debugf("syncctl pruned snapshots=%d", n)
		}
		opts = append(opts, syncsession.WithSnapshots(store))
	}

	s := syncsession.New(cfg.Session, opts...)
	defer s.Destroy()

	switch cmd := args[0]; cmd {
	case "create":
		id, err := s.Create(ctx)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("session " + id))
		if err := register(s); err != nil {
			return err
		}
		return watch(ctx, s, cfg.Snapshots != "")
	case "join", "watch":
		if len(args) < 2 {
			return fmt.Errorf("%s needs a session id", cmd)
		}
		if err := s.Join(ctx, args[1]); err != nil {
			return err
		}
		if cmd == "join" {
			if err := register(s); err != nil {
				return err
			}
		}
		return watch(ctx, s, cfg.Snapshots != "")
	case "progress":
		if len(args) < 3 {
			return errors.New("progress needs a session id and a value")
		}
		value, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("parse progress: %w", err)
		}
		step := ""
		if len(args) > 3 {
			step = args[3]
		}
		if err := s.Join(ctx, args[1]); err != nil {
			return err
		}
		return s.Mutate(func(d *doc.SessionDocument) error {
			d.Transcription.Status = doc.StatusProcessing
			d.Transcription.Progress = value
			if step != "" {
				d.Transcription.CurrentStep = step
			}
			return nil
		})
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// register performs an empty edit, which adds this device to the session.
func register(s *syncsession.Session) error {
	return s.Mutate(func(*doc.SessionDocument) error { return nil })
}

func watch(ctx context.Context, s *syncsession.Session, checkpoint bool) error {
	transcription, stopTr := syncsession.Select(s, "transcription", func(d doc.SessionDocument) doc.TranscriptionState {
		return d.Transcription
	}).Updates()
	defer stopTr()
	devices, stopDev := syncsession.Select(s, "devices", func(d doc.SessionDocument) int {
		return len(d.Devices)
	}).Updates()
	defer stopDev()
	status, stopStatus := s.Status().Updates()
	defer stopStatus()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if checkpoint {
				if err := s.Checkpoint(context.Background()); err != nil {
					logs.Warnf("syncctl checkpoint failed err=%v", err)
				}
			}
			return nil
		case tr, ok := <-transcription:
			if !ok {
				return nil
			}
			fmt.Println(renderTranscription(tr))
			if !showExpiry(s) {
				return nil
			}
		case _, ok := <-devices:
			if !ok {
				return nil
			}
			list, err := s.Devices()
			if err != nil {
				return nil
			}
			fmt.Println(renderDevices(list))
		case st, ok := <-status:
			if !ok {
				return nil
			}
			fmt.Println(renderStatus(st))
		case <-ticker.C:
			if !showExpiry(s) {
				return nil
			}
			if checkpoint {
				if err := s.Checkpoint(ctx); err != nil {
					logs.Warnf("syncctl checkpoint failed err=%v", err)
				}
			}
		}
	}
}

// showExpiry prints the remaining session lifetime and reports whether the
// session is still live.
func showExpiry(s *syncsession.Session) bool {
	snap, err := s.Snapshot()
	if err != nil {
		return false
	}
	line, ok := renderExpiry(snap, time.Now())
	if line != "" {
		fmt.Println(line)
	}
	return ok
}
