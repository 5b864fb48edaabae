package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/soypat/qup"
	"github.com/stretchr/testify/require"
)

func TestParseScriptLine(t *testing.T) {
	sl, ok, err := parseScriptLine(`len=8 bpw=16 speed=2000000 tx=0xabcd cpol cpha`, 1000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0xab, 0xcd, 0xab, 0xcd, 0xab, 0xcd, 0xab, 0xcd}, sl.x.Tx)
	require.Len(t, sl.x.Rx, 8)
	require.EqualValues(t, 16, sl.x.BitsPerWord)
	require.EqualValues(t, 2_000_000, sl.x.SpeedHz)
	require.Equal(t, qup.CPOL|qup.CPHA, sl.x.Mode)

	sl, ok, err = parseScriptLine(`tx=010203 txonly loop # trailing comment`, 1000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, sl.x.Tx)
	require.Nil(t, sl.x.Rx)
	require.Equal(t, qup.Loop, sl.x.Mode)
	require.EqualValues(t, 1000, sl.x.SpeedHz)

	sl, ok, err = parseScriptLine(`rxonly`, 1000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, sl.x.Tx)
	require.Len(t, sl.x.Rx, 16)

	_, ok, err = parseScriptLine(`   # only a comment`, 1000)
	require.NoError(t, err)
	require.False(t, ok)

	for _, bad := range []string{`len`, `len=x`, `bpw=64`, `tx=zz`, `rxonly txonly`, `bogus`} {
		_, _, err = parseScriptLine(bad, 1000)
		require.Error(t, err, bad)
	}
}

func TestRunScript(t *testing.T) {
	c, sim, err := newSimController(false)
	require.NoError(t, err)
	defer sim.Close()
	script := strings.Join([]string{
		"# echo through every mode",
		"len=16 tx=55",
		"len=1000 tx=a5",
		"len=4096 tx=0f bpw=32",
		"len=300 loop",
	}, "\n")
	var out bytes.Buffer
	require.NoError(t, runScript(c, strings.NewReader(script), &out, 1_000_000))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], "fifo")
	require.Contains(t, lines[0], "rx=55555555")
	require.Contains(t, lines[1], "block")
	require.Contains(t, lines[2], "block")
	require.Contains(t, lines[3], "err=", "loopback longer than the input fifo is rejected")
}

func TestSelftest(t *testing.T) {
	for _, dma := range []bool{false, true} {
		opts := selftestOptions{dma: dma, sizes: []int{16, 1280, 70001}, bpw: []uint{8, 32}, speed: 20_000_000, seed: 3}
		stats, err := runSelftest(opts)
		require.NoError(t, err, "dma=%v", dma)
		require.NotZero(t, stats.FIFOTransfers)
		require.Zero(t, stats.Errors)
		if dma {
			require.NotZero(t, stats.DMATransfers)
		} else {
			require.NotZero(t, stats.BlockTransfers)
			require.Zero(t, stats.DMATransfers)
		}
	}
}

func TestAnalyzeReplay(t *testing.T) {
	c, sim, err := newSimController(true)
	require.NoError(t, err)
	defer sim.Close()
	miso := make([]byte, 2000)
	for i := range miso {
		miso[i] = byte(i * 7)
	}
	txs := []capturedTx{
		{Start: 0.5, MOSI: []byte{1, 2, 3, 4}, MISO: []byte{9, 8, 7, 6}},
		{Start: 1.5, MOSI: make([]byte, 2000), MISO: miso},
		{Start: 2.5, MOSI: make([]byte, 100), MISO: make([]byte, 100)},
	}
	var out bytes.Buffer
	opts := analyzeOptions{bpw: 8, speed: 1_000_000, replay: true}
	require.NoError(t, analyze(c, sim, txs, &out, opts))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "mode=fifo")
	require.Contains(t, lines[1], "mode=dma")
	require.Contains(t, lines[1], "chunks=[2000]")
	for _, line := range lines {
		require.Contains(t, line, "replay=ok")
	}

	txs[0].MISO = []byte{0, 0, 0, 0}
	out.Reset()
	opts.bpw = 16
	txs = append(txs, capturedTx{MOSI: []byte{1, 2, 3}})
	err = analyze(c, sim, txs, &out, opts)
	require.NoError(t, err, "16 bit words replay")
	require.Contains(t, out.String(), "invalid")
}

func TestCapturedResponder(t *testing.T) {
	r := capturedResponder([]byte{0x12, 0x34, 0x56}, 2)
	require.EqualValues(t, 0x1234, r(0, 16))
	require.EqualValues(t, 0x5600, r(0, 16), "missing capture reads as zero")
}

func TestStatsReport(t *testing.T) {
	b, err := json.Marshal(statsReport{Run: runID.String(), Stats: qup.Stats{DMATransfers: 2, Bytes: 10}})
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, runID.String(), got["run"])
	require.NotContains(t, got, "error")
	stats := got["stats"].(map[string]any)
	require.EqualValues(t, 2, stats["dma_transfers"])
	require.EqualValues(t, 10, stats["bytes"])
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("TRACE")
	require.NoError(t, err)
	require.Equal(t, levelTrace, level)
	level, err = parseLevel("warn")
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, level)
	_, err = parseLevel("loud")
	require.Error(t, err)
}

var errNoDeadline = errors.New("deadline unsupported")

type noDeadlineConn struct{ bytes.Buffer }

func (*noDeadlineConn) Close() error                { return nil }
func (*noDeadlineConn) SetDeadline(time.Time) error { return errNoDeadline }

func TestPublishDeadlineError(t *testing.T) {
	conn := &noDeadlineConn{}
	err := publishStats(conn, "qup/stats", []byte(`{}`), time.Second)
	require.ErrorIs(t, err, errNoDeadline)
	require.Zero(t, conn.Len(), "nothing sent without a deadline")
}
