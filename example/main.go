// Command example is a demonstration embedder: a key-value store
// backed by SQLite whose mutations flow through the PSM command ring.
// The producer JSON-encodes put/delete commands and pushes them; the
// background consumer decodes each record and applies it to the
// database. Crash consistency for the consumer's state comes from the
// library; the demo's only job is a realistic consume function.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"github.com/libpsm/psm"
)

type command struct {
	Op    string `json:"op"` // "put" or "del"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type options struct {
	PMPath  string `json:"pm_path"`
	Mode    string `json:"mode"`
	PinCore int    `json:"pin_core"`
}

func loadOptions() options {
	opts := options{Mode: "undo", PinCore: -1}

	configPath := flag.String("config", "", "optional JSON config file")
	pmPath := flag.String("pm-path", "", "directory on a persistent-memory filesystem")
	mode := flag.String("mode", "", "no_persist | undo | checkpoint")
	flag.Parse()

	if *configPath != "" {
		buf, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("read config: %v", err)
		}
		if err := sonnet.Unmarshal(buf, &opts); err != nil {
			log.Fatalf("parse config: %v", err)
		}
	}
	if *pmPath != "" {
		opts.PMPath = *pmPath
	}
	if *mode != "" {
		opts.Mode = *mode
	}
	if opts.PMPath == "" {
		log.Fatal("no PM path: pass -pm-path or set pm_path in -config")
	}
	return opts
}

func parseMode(s string) psm.Mode {
	switch s {
	case "no_persist":
		return psm.ModeNoPersist
	case "undo":
		return psm.ModeUndo
	case "checkpoint":
		return psm.ModeChkpt
	default:
		log.Fatalf("unknown mode %q", s)
		panic("unreachable")
	}
}

// openStore opens the in-memory database both processes build their
// own copy of. Neither copy lives in memory obtained through
// psm.Alloc and the consume function calls no store hook, so the
// library neither shadows nor undo-logs the database; its contents
// do not survive a crash of either process.
func openStore() *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		log.Fatalf("create table: %v", err)
	}
	return db
}

func apply(db *sql.DB, cmd command) {
	var err error
	switch cmd.Op {
	case "put":
		_, err = db.Exec(`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
			cmd.Key, cmd.Value)
	case "del":
		_, err = db.Exec(`DELETE FROM kv WHERE k = ?`, cmd.Key)
	default:
		log.Fatalf("unknown op %q", cmd.Op)
	}
	if err != nil {
		log.Fatalf("apply %s %s: %v", cmd.Op, cmd.Key, err)
	}
}

func main() {
	opts := loadOptions()
	db := openStore()

	// Records are length-prefixed JSON: a one-byte length would cap
	// commands at 255 bytes, so a 3-byte big-endian prefix goes first.
	// Its first byte holds the length's top bits (16-22) plus a set
	// high bit, keeping the record's first byte non-zero as the ring
	// requires.
	consume := func(buf []byte) int {
		n := int(buf[0]&0x7F)<<16 | int(buf[1])<<8 | int(buf[2])
		var cmd command
		if err := sonnet.Unmarshal(buf[3:3+n], &cmd); err != nil {
			log.Fatalf("decode command: %v", err)
		}
		apply(db, cmd)
		return 3 + n
	}

	err := psm.Init(psm.Config{
		ConsumeFn: consume,
		Mode:      parseMode(opts.Mode),
		PMPath:    opts.PMPath,
		PinCore:   opts.PinCore,
	})
	if err != nil {
		log.Fatalf("psm.Init: %v", err)
	}

	push := func(cmd command) {
		payload, err := sonnet.Marshal(cmd)
		if err != nil {
			log.Fatalf("encode command: %v", err)
		}
		rec := make([]byte, 3+len(payload))
		rec[0] = byte(len(payload)>>16) | 0x80
		rec[1] = byte(len(payload) >> 8)
		rec[2] = byte(len(payload))
		copy(rec[3:], payload)
		if err := psm.Push(rec); err != nil {
			log.Fatalf("psm.Push: %v", err)
		}
		// The producer runs the command against its own replica right
		// away; the consumer replays the same record into its own copy.
		apply(db, cmd)
	}

	push(command{Op: "put", Key: "greeting", Value: "hello"})
	push(command{Op: "put", Key: "greeting", Value: "hello, world"})
	push(command{Op: "del", Key: "stale"})
	if err := psm.Commit(false); err != nil {
		log.Fatalf("psm.Commit: %v", err)
	}

	// Give the consumer a moment to drain, then read back through the
	// producer's replica.
	time.Sleep(200 * time.Millisecond)
	var v string
	if err := db.QueryRow(`SELECT v FROM kv WHERE k = ?`, "greeting").Scan(&v); err != nil {
		log.Fatalf("read back: %v", err)
	}
	fmt.Printf("greeting = %q\n", v)
}
