// Package control wires the ring, undo-log engine, shadow manager and
// checkpoint service together: it spawns the background consumer
// process, runs its drain loop, and drives the recovery handshake
// between the two processes.
package control

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/libpsm/psm/checkpoint"
	"github.com/libpsm/psm/instrument"
	"github.com/libpsm/psm/pmem"
	"github.com/libpsm/psm/region"
	"github.com/libpsm/psm/ring"
	"github.com/libpsm/psm/undolog"
)

// Mode selects the durability strategy of the background process.
type Mode int

const (
	// NoPersist skips all durability work: a pure at-most-once ring.
	NoPersist Mode = iota
	// Undo replays commands under byte-granularity undo logging.
	Undo
	// Chkpt dumps a process image at every commit boundary instead of
	// undo logging.
	Chkpt
)

const (
	// CommitBatch commands are consumed per commit.
	CommitBatch = 1

	// IdleSpin bounds idle rounds before the consumer commits anyway.
	// This prevents deadlocks where the ring has insufficient space
	// left but the background process doesn't clear the log.
	IdleSpin = 10
)

const (
	ringFileName = "psm_log"

	// backgroundEnv marks the re-exec'd consumer child. The fork
	// becomes a re-exec of the same binary; the child re-enters Init,
	// sees the sentinel, and never returns.
	backgroundEnv = "PSM_BACKGROUND"

	// Pipe ends inherited by the child: background-to-foreground write
	// and foreground-to-background read.
	btfWriteFd = 3
	ftbReadFd  = 4
)

var (
	ErrNoConsumeFn = errors.New("control: config has no consume function")
	ErrBadMode     = errors.New("control: invalid mode")
	// ErrSGARecovery: scatter/gather recovery replay is undefined;
	// the combination is forbidden outright rather than failing
	// mid-recovery.
	ErrSGARecovery = errors.New("control: use_sga is not supported across recovery")
)

// Config carries everything the control loop needs on both sides of
// the process split.
type Config struct {
	Mode      Mode
	PMPath    string // Directory on a persistent-memory FS.
	ConsumeFn ring.ConsumeFunc
	PinCore   int // Pin the background process to this core (-1: don't).
	UseSGA    bool

	// Checkpointer overrides the checkpoint service; nil selects the
	// local-directory reference implementation rooted at PMPath.
	Checkpointer checkpoint.Checkpointer
}

// Handle is what the public API surface drives after Init.
type Handle struct {
	Ring *ring.Ring
}

// engine holds the background process's instrumentation hooks. Nil in
// the foreground: foreground replay during recovery must not undo-log
// (it runs in the producer's own address space).
var engine *instrument.Engine

// Hooks returns the instrumentation engine of the background process,
// or nil in the foreground.
func Hooks() *instrument.Engine { return engine }

// Init is the entry point on both sides of the process split. In the
// foreground it maps the ring, spawns the consumer child, performs
// the recovery handshake if this startup follows a crash, and returns
// a Handle. In the consumer child (spawned by a previous Init) it
// never returns: it enters the drain loop.
func Init(cfg Config) (*Handle, error) {
	if cfg.ConsumeFn == nil {
		return nil, ErrNoConsumeFn
	}
	if cfg.Mode != NoPersist && cfg.Mode != Undo && cfg.Mode != Chkpt {
		return nil, ErrBadMode
	}
	if !pmem.IsPMem(cfg.PMPath) {
		return nil, pmem.ErrNotPMem
	}

	r, err := ring.Open(filepath.Join(cfg.PMPath, ringFileName))
	if err != nil {
		return nil, err
	}

	if os.Getenv(backgroundEnv) != "" {
		runBackground(cfg, r) // Never returns.
	}

	restored := cfg.Mode == Undo && checkpoint.ImageExists(cfg.PMPath)
	if restored && cfg.UseSGA {
		return nil, ErrSGARecovery
	}

	btfR, btfW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("control: pipe: %w", err)
	}
	ftbR, ftbW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("control: pipe: %w", err)
	}

	if err := spawnBackground(btfW, ftbR); err != nil {
		return nil, err
	}
	// The child owns its inherited ends.
	btfW.Close()
	ftbR.Close()

	if restored {
		tail, err := recoverForeground(cfg.PMPath, btfR, ftbW)
		if err != nil {
			return nil, err
		}
		// Re-execute any commands between the recovered tail and the
		// persistent head on the foreground's side; the consume
		// function is idempotent relative to committed state by
		// contract, and the background may be replaying these same
		// commands concurrently -- it only advances tail, never
		// rewrites log contents.
		head := r.Head()
		t := r.Tail()
		if tail >= 0 {
			t = uint64(tail)
		}
		replayed := 0
		for {
			newTail, ok := r.Consume(cfg.ConsumeFn, head, t)
			if !ok {
				break
			}
			t = newTail
			replayed++
		}
		fmt.Fprintf(os.Stderr, "[fg] recovery: replayed %d command(s)\n", replayed)
	} else {
		btfR.Close()
		ftbW.Close()
	}

	return &Handle{Ring: r}, nil
}

// spawnBackground re-execs the running binary with the background
// sentinel set and the child pipe ends at fixed descriptors. The
// child's main calls Init with the same config and lands in
// runBackground.
func spawnBackground(btfW, ftbR *os.File) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("control: locate executable: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), backgroundEnv+"=1")
	cmd.ExtraFiles = []*os.File{btfW, ftbR} // fds 3 and 4 in the child.
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("control: spawn background process: %w", err)
	}
	return nil
}

func pinToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}

// catalogShadow adapts the catalog + shadow pair to the undo log's
// RegionTable.
type catalogShadow struct {
	cat    *region.Catalog
	shadow *region.Shadow
}

func (cs catalogShadow) CommitNewTable() error { return cs.cat.CommitNewTable() }
func (cs catalogShadow) ClearNewTable() error  { return cs.cat.ClearNewTable() }
func (cs catalogShadow) RecoverRegions() error { return cs.shadow.Recover() }

// runBackground is the consumer child path: pin, take or resume the
// checkpoint, bring up the shadow manager and undo log (fresh or
// recovered), complete the recovery handshake, then drain forever.
// All failures here are fatal; the next startup attempts recovery
// again.
func runBackground(cfg Config, r *ring.Ring) {
	if cfg.PinCore != -1 {
		if err := pinToCore(cfg.PinCore); err != nil {
			log.Fatalf("control: pin to core %d: %v", cfg.PinCore, err)
		}
	}

	ck := cfg.Checkpointer
	if ck == nil {
		ck = checkpoint.NewDir(cfg.PMPath)
	}

	c := &consumer{r: r, mode: cfg.Mode, ck: ck, f: cfg.ConsumeFn}

	switch cfg.Mode {
	case NoPersist:
	case Undo:
		outcome, err := ck.TakeOrResume()
		if err != nil {
			log.Fatalf("control: initial checkpoint: %v", err)
		}

		cat := region.Open(cfg.PMPath)
		shadow := region.NewShadow(cat)
		ul, err := undolog.Open(cfg.PMPath, outcome == checkpoint.Restored)
		if err != nil {
			log.Fatalf("control: open undo log: %v", err)
		}
		c.ul = ul
		c.cat = cat
		engine = instrument.New(ul, shadow)

		if outcome == checkpoint.Restored {
			tail, err := ul.Recover(catalogShadow{cat, shadow})
			if err != nil {
				log.Fatalf("control: undo recovery: %v", err)
			}
			if err := sendRecovery(shadow, tail); err != nil {
				log.Fatalf("control: recovery handshake: %v", err)
			}
			if tail >= 0 {
				if err := r.PublishTail(uint64(tail)); err != nil {
					log.Fatalf("control: publish recovered tail: %v", err)
				}
			}
		} else {
			if err := cat.LoadTable(); err != nil {
				log.Fatalf("control: load region table: %v", err)
			}
		}
	case Chkpt:
		if _, err := ck.TakeOrResume(); err != nil {
			log.Fatalf("control: initial checkpoint: %v", err)
		}
	}

	c.run(r.Tail()) // Never returns.
}

// consumer is the background drain-loop state.
type consumer struct {
	r    *ring.Ring
	ul   *undolog.Log    // nil unless mode == Undo.
	cat  *region.Catalog // nil unless mode == Undo.
	mode Mode
	ck   checkpoint.Checkpointer
	f    ring.ConsumeFunc
}

func (c *consumer) run(tail uint64) {
	for {
		tail = c.drainOnce(tail)
	}
}

// drainOnce is one commit cycle: in undo mode, consume until the undo
// log asks for a commit; otherwise consume CommitBatch commands. The
// inner spin is unbounded until at least one command was consumed,
// then bounded by IdleSpin so a full ring with a quiet producer still
// gets its tail advanced. After the batch: commit per mode, publish
// the persistent tail, clean up.
func (c *consumer) drainOnce(tail uint64) uint64 {
	consumed := 0
	for {
		if c.mode == Undo {
			if c.ul.ShouldCommit {
				break
			}
		} else if consumed >= CommitBatch {
			break
		}

		var newTail uint64
		var ok bool
		spin := 0
		for {
			head := c.r.Head()
			newTail, ok = c.r.Consume(c.f, head, tail)
			spin++
			if ok || (spin >= IdleSpin && consumed > 0) {
				break
			}
		}
		if !ok {
			break // Spinning too long; just commit.
		}
		consumed++
		tail = newTail
	}
	if c.ul != nil {
		c.ul.ShouldCommit = false
	}

	switch c.mode {
	case NoPersist:
	case Undo:
		c.ul.Commit(tail)
		// The region catalog commits atomically with the undo commit
		// record: any Alloc/Free since the last commit left its pending
		// update in new_table.dat, which the rename promotes now that
		// the commit record is durable and before the tail advances.
		if err := c.cat.CommitNewTable(); err != nil {
			log.Fatalf("control: commit region table: %v", err)
		}
	case Chkpt:
		if err := c.ck.Commit(); err != nil {
			log.Fatalf("control: checkpoint commit: %v", err)
		}
	}

	if err := c.r.PublishTail(tail); err != nil {
		log.Fatalf("control: publish tail: %v", err)
	}

	if c.mode == Undo {
		c.ul.PostCommitCleanup()
	}
	return tail
}
