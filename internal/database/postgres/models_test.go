package postgres

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/bardlex/blockgrave/internal/events"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/ledger/ledgertest"
)

func TestFromEntry(t *testing.T) {
	session := uuid.MustParse("6b3f0c1e-0d8f-4a53-9e0c-1b8d7a6b5c4d")
	entries := ledgertest.Entries(t, 2)

	tests := []struct {
		name  string
		entry ledger.Entry
		check func(t *testing.T, rows Rows)
	}{
		{
			name:  "link",
			entry: entries[0],
			check: func(t *testing.T, rows Rows) {
				l := rows.Link
				if l == nil || rows.Trade != nil || rows.Event != nil {
					t.Fatalf("rows = %+v, want link only", rows)
				}
				if l.LinkID != entries[0].Link.ID.String() || l.Seq != 1 || l.SessionID != session {
					t.Errorf("link row = %+v", l)
				}
				if len(l.HeaderHash) != 64 || l.PreviousHash != ledger.Genesis.String() {
					t.Errorf("hashes = %s / %s", l.HeaderHash, l.PreviousHash)
				}
			},
		},
		{
			name:  "trade",
			entry: entries[2],
			check: func(t *testing.T, rows Rows) {
				tr := rows.Trade
				if tr == nil {
					t.Fatalf("rows = %+v, want trade", rows)
				}
				if !tr.LinkID.Valid || tr.LinkID.String != entries[0].Link.ID.String() {
					t.Errorf("trade link = %+v", tr.LinkID)
				}
				if tr.Buyer != ledger.Exchange || tr.Side != "sell" {
					t.Errorf("trade row = %+v", tr)
				}
			},
		},
		{
			name:  "event",
			entry: entries[3],
			check: func(t *testing.T, rows Rows) {
				ev := rows.Event
				if ev == nil {
					t.Fatalf("rows = %+v, want event", rows)
				}
				if ev.Kind != string(events.KindRumor) || ev.LinkJobID.Valid {
					t.Errorf("event row = %+v", ev)
				}
				var p events.Payload
				if err := json.Unmarshal(ev.Payload, &p); err != nil {
					t.Errorf("payload is not JSON: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := FromEntry(session, tt.entry)
			if err != nil {
				t.Fatalf("FromEntry() error = %v", err)
			}
			tt.check(t, rows)
		})
	}
}

func TestFromEntryRejectsMissingPayload(t *testing.T) {
	for _, kind := range []ledger.EntryKind{ledger.KindLink, ledger.KindTrade, ledger.KindEvent, "bogus"} {
		if _, err := FromEntry(uuid.Nil, ledger.Entry{Seq: 9, Kind: kind}); err == nil {
			t.Errorf("FromEntry(%s without payload) should fail", kind)
		}
	}
}
