package redis

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestConfigOptions(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantAddr string
		wantDB   int
		wantPool int
		wantErr  bool
	}{
		{name: "plain", cfg: Config{URL: "redis://localhost:6379/0"}, wantAddr: "localhost:6379", wantDB: 0},
		{name: "db and pool", cfg: Config{URL: "redis://cache:6380/3", PoolSize: 7}, wantAddr: "cache:6380", wantDB: 3, wantPool: 7},
		{name: "bad scheme", cfg: Config{URL: "http://localhost"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := tt.cfg.options()
			if (err != nil) != tt.wantErr {
				t.Fatalf("options() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if opts.Addr != tt.wantAddr || opts.DB != tt.wantDB {
				t.Errorf("addr/db = %s/%d, want %s/%d", opts.Addr, opts.DB, tt.wantAddr, tt.wantDB)
			}
			if tt.wantPool > 0 && opts.PoolSize != tt.wantPool {
				t.Errorf("pool = %d, want %d", opts.PoolSize, tt.wantPool)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	if got := snapshotKey("abc"); got != "snapshot:abc" {
		t.Errorf("snapshotKey() = %s", got)
	}
	if got := tradeKey("sell"); got != "counter:trades:sell" {
		t.Errorf("tradeKey() = %s", got)
	}
}

// TestCountersIntegration needs a disposable Redis in BLOCKGRAVE_TEST_REDIS.
func TestCountersIntegration(t *testing.T) {
	url := os.Getenv("BLOCKGRAVE_TEST_REDIS")
	if url == "" || testing.Short() {
		t.Skip("BLOCKGRAVE_TEST_REDIS not set")
	}
	c, err := NewClient(&Config{URL: url, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()
	ctx := context.Background()
	if err := c.rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	for _, v := range []float64{17.5, 2.5} {
		if err := c.RecordMint(ctx, "player", v); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.RecordMint(ctx, "rival", 5); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordTrade(ctx, "sell"); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordEvent(ctx, "rumor"); err != nil {
		t.Fatal(err)
	}

	top, err := c.TopMinters(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[0].Owner != "player" || top[0].MintedValue != 20 {
		t.Errorf("TopMinters() = %+v", top)
	}

	counters, err := c.Counters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counters.Links != 3 || counters.Sells != 1 || counters.Buys != 0 || counters.Events["rumor"] != 1 {
		t.Errorf("Counters() = %+v", counters)
	}

	if err := c.SetSnapshot(ctx, "s1", map[string]int{"tick": 9}, time.Minute); err != nil {
		t.Fatal(err)
	}
	var snap map[string]int
	if err := c.GetSnapshot(ctx, "s1", &snap); err != nil || snap["tick"] != 9 {
		t.Errorf("GetSnapshot() = %v, %v", snap, err)
	}
}
