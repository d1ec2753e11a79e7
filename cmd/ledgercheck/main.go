// Package main implements ledgercheck, an offline tool for inspecting a
// blockgraved data directory. The daemon must be stopped while it runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/bardlex/blockgrave/internal/config"
	"github.com/bardlex/blockgrave/internal/database/postgres"
	"github.com/bardlex/blockgrave/internal/database/store"
	"github.com/bardlex/blockgrave/internal/identifier"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/session"
	"github.com/bardlex/blockgrave/pkg/errors"
	"github.com/bardlex/blockgrave/pkg/log"
)

var version = "dev"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ledgercheck: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "ledgercheck",
		Usage:   "verify and inspect a BLOCKGRAVE data directory",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Value:   "./data",
				Usage:   "blockgraved data directory",
				EnvVars: []string{"DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "economics",
				Usage:   "economics YAML file; defaults apply when unset",
				EnvVars: []string{"ECONOMICS_FILE"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			cmdVerify,
			cmdAudit,
			cmdSnapshot,
			cmdDecode,
		},
	}
}

var cmdVerify = &cli.Command{
	Name:  "verify",
	Usage: "replay the feed log and check it against the saved snapshot",
	Action: func(cctx *cli.Context) error {
		params, err := config.LoadEconomics(cctx.String("economics"))
		if err != nil {
			return err
		}
		st, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		report, err := Verify(st, params.Bank.Tolerance)
		if err != nil {
			return err
		}
		return writeJSON(cctx.App.Writer, report)
	},
}

var cmdAudit = &cli.Command{
	Name:  "audit",
	Usage: "compare the Postgres archive with the local feed log",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "postgres-url",
			Usage:    "archive database",
			EnvVars:  []string{"POSTGRES_URL"},
			Required: true,
		},
		&cli.IntFlag{
			Name:  "recent",
			Value: 10,
			Usage: "number of newest archived links to compare",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 30 * time.Second,
		},
	},
	Action: func(cctx *cli.Context) error {
		params, err := config.LoadEconomics(cctx.String("economics"))
		if err != nil {
			return err
		}
		st, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		pg, err := postgres.NewClient(&postgres.Config{URL: cctx.String("postgres-url"), MaxOpenConns: 2, MaxIdleConns: 1})
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()

		ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
		defer cancel()
		report, err := Audit(ctx, st, pg, params.Bank.Tolerance, params.Owner, cctx.Int("recent"))
		if err != nil {
			return err
		}
		if err := writeJSON(cctx.App.Writer, report); err != nil {
			return err
		}
		if len(report.Mismatches) > 0 {
			return fmt.Errorf("%d archive mismatches", len(report.Mismatches))
		}
		return nil
	},
}

var cmdSnapshot = &cli.Command{
	Name:  "snapshot",
	Usage: "print the saved snapshot as JSON",
	Action: func(cctx *cli.Context) error {
		st, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		snap, ok, err := st.LoadSnapshot()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no snapshot in %s", cctx.String("data-dir"))
		}
		return writeJSON(cctx.App.Writer, snap)
	},
}

var cmdDecode = &cli.Command{
	Name:      "decode",
	Usage:     "decode and validate link identifiers",
	ArgsUsage: "<identifier>...",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return fmt.Errorf("decode needs at least one identifier")
		}
		var failed int
		for _, text := range cctx.Args().Slice() {
			d := Decode(text)
			if !d.Valid {
				failed++
			}
			if err := writeJSON(cctx.App.Writer, d); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d identifiers invalid", failed, cctx.NArg())
		}
		return nil
	},
}

func openStore(cctx *cli.Context) (*store.Store, error) {
	logger := log.NewWithWriter(os.Stderr, "ledgercheck", version, cctx.String("log-level"), "text")
	return store.Open(cctx.String("data-dir"), store.Options{}, logger)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Report summarizes a verified feed log.
type Report struct {
	Entries     int         `json:"entries"`
	Links       int         `json:"links"`
	Trades      int         `json:"trades"`
	Events      int         `json:"events"`
	Tip         ledger.Hash `json:"tip"`
	SnapshotSeq uint64      `json:"snapshot_seq"`
	// Ahead counts entries written after the snapshot; a restart replays them.
	Ahead uint64 `json:"ahead"`
}

// Entries and snapshots come from the store.
type source interface {
	LoadEntries() ([]ledger.Entry, error)
	LoadSnapshot() (*session.Snapshot, bool, error)
}

// Verify replays the whole log and checks that the snapshot's ledger tip
// matches the log at the snapshot's sequence.
func Verify(src source, tolerance float64) (*Report, error) {
	entries, err := src.LoadEntries()
	if err != nil {
		return nil, err
	}
	led, err := ledger.Replay(entries, tolerance)
	if err != nil {
		return nil, err
	}

	r := &Report{Entries: len(entries), Links: led.LinkCount(), Tip: led.Tip()}
	for _, e := range entries {
		switch e.Kind {
		case ledger.KindTrade:
			r.Trades++
		case ledger.KindEvent:
			r.Events++
		}
	}

	snap, ok, err := src.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	if !ok {
		if len(entries) > 0 {
			return nil, errors.Wrap(errors.ErrLedgerCorruption, errors.ErrorTypeLedger, "verify",
				"feed log has entries but no snapshot").
				WithContext("entries", len(entries))
		}
		return r, nil
	}

	r.SnapshotSeq = snap.LedgerSeq
	if snap.LedgerSeq > led.Seq() {
		return nil, errors.Wrap(errors.ErrLedgerCorruption, errors.ErrorTypeLedger, "verify",
			"feed log is shorter than the snapshot").
			WithContext("ledger_seq", led.Seq()).
			WithContext("snapshot_seq", snap.LedgerSeq)
	}
	prefix, err := ledger.Replay(entries[:snap.LedgerSeq], tolerance)
	if err != nil {
		return nil, err
	}
	if prefix.Tip() != snap.LedgerTip {
		return nil, errors.Wrap(errors.ErrLedgerCorruption, errors.ErrorTypeLedger, "verify",
			"snapshot tip does not match the feed log").
			WithContext("log_tip", prefix.Tip().String()).
			WithContext("snapshot_tip", snap.LedgerTip.String())
	}
	r.Ahead = led.Seq() - snap.LedgerSeq
	return r, nil
}

// Archive is the read side of the Postgres archive.
type Archive interface {
	LastArchivedSeq(ctx context.Context, sessionID uuid.UUID) (uint64, error)
	RecentLinks(ctx context.Context, sessionID uuid.UUID, n int) ([]*postgres.Link, error)
	LinkTrades(ctx context.Context, sessionID uuid.UUID, linkID string) ([]*postgres.Trade, error)
	OwnerStats(ctx context.Context, owner string) (*postgres.OwnerStats, error)
}

// AuditReport compares the archive with the local log.
type AuditReport struct {
	SessionID   uuid.UUID            `json:"session_id"`
	LocalSeq    uint64               `json:"local_seq"`
	ArchivedSeq uint64               `json:"archived_seq"`
	Lag         int64                `json:"lag"`
	Checked     int                  `json:"checked"`
	Mismatches  []string             `json:"mismatches,omitempty"`
	Owner       *postgres.OwnerStats `json:"owner,omitempty"`
}

// Audit checks the newest archived links of the stored session against the
// replayed local log: header hash, owner and archived trade count. A
// negative lag means the archive holds entries the local log does not.
func Audit(ctx context.Context, src source, arch Archive, tolerance float64, owner string, recent int) (*AuditReport, error) {
	snap, ok, err := src.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no snapshot to audit")
	}
	entries, err := src.LoadEntries()
	if err != nil {
		return nil, err
	}
	led, err := ledger.Replay(entries, tolerance)
	if err != nil {
		return nil, err
	}

	r := &AuditReport{SessionID: snap.SessionID, LocalSeq: led.Seq()}
	if r.ArchivedSeq, err = arch.LastArchivedSeq(ctx, snap.SessionID); err != nil {
		return nil, err
	}
	r.Lag = int64(r.LocalSeq) - int64(r.ArchivedSeq)

	links, err := arch.RecentLinks(ctx, snap.SessionID, recent)
	if err != nil {
		return nil, err
	}
	for _, al := range links {
		r.Checked++
		local, ok := led.Link(al.LinkID)
		switch {
		case !ok:
			r.Mismatches = append(r.Mismatches, fmt.Sprintf("%s: archived but not in the local log", al.LinkID))
			continue
		case al.HeaderHash != local.HeaderHash.String():
			r.Mismatches = append(r.Mismatches, fmt.Sprintf("%s: header hash %s, local %s", al.LinkID, al.HeaderHash, local.HeaderHash))
		}

		trades, err := arch.LinkTrades(ctx, snap.SessionID, al.LinkID)
		if err != nil {
			return nil, err
		}
		want, holder := 0, ""
		for _, e := range entries {
			if e.Seq > r.ArchivedSeq {
				break
			}
			switch {
			case e.Link != nil && e.Link.ID == local.ID:
				holder = e.Link.Owner
			case e.Trade != nil && e.Trade.LinkID == al.LinkID:
				want++
				holder = e.Trade.Buyer
			}
		}
		if len(trades) != want {
			r.Mismatches = append(r.Mismatches, fmt.Sprintf("%s: %d archived trades, local %d", al.LinkID, len(trades), want))
		}
		if al.Owner != holder {
			r.Mismatches = append(r.Mismatches, fmt.Sprintf("%s: archived owner %q, local %q", al.LinkID, al.Owner, holder))
		}
	}

	if owner != "" {
		if r.Owner, err = arch.OwnerStats(ctx, owner); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Decoded describes one identifier.
type Decoded struct {
	Text             string `json:"text"`
	Valid            bool   `json:"valid"`
	DifficultyBucket uint8  `json:"difficulty_bucket,omitempty"`
	SizeBucket       uint8  `json:"size_bucket,omitempty"`
	Body             string `json:"body,omitempty"`
	Checksum         string `json:"checksum,omitempty"`
	Kind             string `json:"error_kind,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Decode parses text into a Decoded.
func Decode(text string) Decoded {
	id, err := identifier.Parse(text)
	if err != nil {
		return Decoded{Text: text, Kind: string(errors.KindOf(err)), Error: err.Error()}
	}
	return Decoded{
		Text:             text,
		Valid:            true,
		DifficultyBucket: id.DifficultyBucket,
		SizeBucket:       id.SizeBucket,
		Body:             id.Body,
		Checksum:         string(id.Checksum),
	}
}
