// Command mamu-inspect exercises the memory-inspection core end to end: it
// binds a process and then, depending on -mode, either scans for pointer
// chains reaching a target address or runs a fuzzy value search. Results
// are printed to stdout; progress is logged at debug level (-v).
//
// Without a real kernel driver wired in, it operates against an in-process
// MockDriver seeded with synthetic pointer chains and scalar values, so the
// full scan/chain-build/fuzzy pipeline can be driven and inspected without
// a rooted device.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fuqiuluo/mamu-core"
	"github.com/fuqiuluo/mamu-core/internal/logging"
	"github.com/fuqiuluo/mamu-core/internal/memtype"
	"github.com/fuqiuluo/mamu-core/internal/wire"
)

const fixturePid = 1234

func main() {
	var (
		mode      = flag.String("mode", "scan", "operation to run: scan, fuzzy")
		target    = flag.Uint64("target", 0x20000, "target address for pointer-chain scan")
		maxDepth  = flag.Uint("max-depth", 7, "maximum pointer chain depth")
		maxOffset = flag.Uint("max-offset", 2048, "maximum per-hop offset")
		verbose   = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drv, staticModules := buildFixture()
	if err := mamu.SetDriver(drv); err != nil {
		logger.Errorf("set driver: %v", err)
		os.Exit(1)
	}
	defer drv.Close()

	if err := mamu.Manager().BindProcess(fixturePid); err != nil {
		logger.Errorf("bind process: %v", err)
		os.Exit(1)
	}

	switch *mode {
	case "scan":
		runScan(ctx, logger, uint64(*target), uint32(*maxDepth), uint32(*maxOffset), staticModules)
	case "fuzzy":
		runFuzzy(ctx, logger)
	default:
		logger.Errorf("unknown mode %q", *mode)
		os.Exit(1)
	}
}

// buildFixture seeds a MockDriver with a small static module and a chain of
// pointers leading from it to a target address, so scan/fuzzy can be
// exercised without a real process.
func buildFixture() (*mamu.MockDriver, []mamu.VmStaticData) {
	const (
		base       = 0x10000
		size       = 1 << 20
		moduleBase = 0x10000
		moduleSize = 0x1000
		hop1       = 0x11000
		hop2       = 0x12000
		target     = 0x20000
	)

	drv := mamu.NewMockDriver(base, size)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, hop1)
	drv.WriteRaw(moduleBase+0x20, buf)

	binary.LittleEndian.PutUint64(buf, hop2)
	drv.WriteRaw(hop1+0x10, buf)

	binary.LittleEndian.PutUint64(buf, target)
	drv.WriteRaw(hop2+0x8, buf)

	binary.LittleEndian.PutUint32(buf[:4], 1337)
	drv.WriteRaw(target, buf[:4])

	info := wire.ProcInfoResp{Pid: fixturePid, Tgid: fixturePid, PPid: 1, UID: 10001, Prio: 0, RSS: size}
	regions := []mamu.ScanRegion{
		{Start: base, End: base + size, Perms: 0b110, Name: "mamu-inspect-target"},
	}
	drv.SetProcess(fixturePid, info, "mamu-inspect-target", regions)

	// The driver manager's self-check asks the driver for this process's
	// own name, so register it too.
	self := int32(os.Getpid())
	drv.SetProcess(self, wire.ProcInfoResp{Pid: self, Tgid: self}, "mamu-inspect", nil)

	return drv, []mamu.VmStaticData{
		{Name: "libtarget.so", Index: 0, Base: moduleBase, Size: moduleSize},
	}
}

func runScan(ctx context.Context, logger *logging.Logger, target uint64, maxDepth, maxOffset uint32, staticModules []mamu.VmStaticData) {
	regions, err := mamu.Manager().QueryMemRegions(fixturePid)
	if err != nil {
		logger.Errorf("query regions: %v", err)
		os.Exit(1)
	}

	cfg := mamu.PointerScanConfig{
		TargetAddress: target,
		MaxDepth:      maxDepth,
		MaxOffset:     maxOffset,
		Align:         8,
	}
	opts := mamu.DefaultScanOptions()

	start := time.Now()
	queue, err := mamu.ScanAllPointers(ctx, regions, cfg, opts, func(done, total int, found int64) {
		logger.Debugf("scan progress: %d/%d regions, %d pointers found", done, total, found)
	})
	if err != nil {
		logger.Errorf("scan all pointers: %v", err)
		os.Exit(1)
	}
	defer queue.Close()
	logger.Infof("pointer scan complete in %s", time.Since(start))

	chains, err := mamu.BuildPointerChains(ctx, queue, staticModules, cfg, func(depth uint32, chainsFound int64) {
		logger.Debugf("chain build progress: depth=%d chains=%d", depth, chainsFound)
	})
	if err != nil {
		logger.Errorf("build pointer chains: %v", err)
		os.Exit(1)
	}

	fmt.Printf("found %d chain(s) reaching 0x%x:\n", len(chains), target)
	for _, chain := range chains {
		fmt.Printf("  %s\n", formatChain(chain))
	}
}

func runFuzzy(ctx context.Context, logger *logging.Logger) {
	opts := mamu.DefaultFuzzyScanOptions()

	results, err := mamu.FuzzyInitialScan(ctx, memtype.ValueTypeU32, 0x10000, 0x30000, opts, func(processed, found int) {
		logger.Debugf("fuzzy scan progress: processed=%d found=%d", processed, found)
	})
	if err != nil {
		logger.Errorf("fuzzy initial scan: %v", err)
		os.Exit(1)
	}
	fmt.Printf("initial scan: %d candidates\n", results.Len())

	refined, err := mamu.FuzzyRefineSearch(ctx, results.Items(), memtype.FuzzyEqual, mamu.FuzzyRefineArgs{Delta: 1337}, opts, func(processed, found int) {
		logger.Debugf("fuzzy refine progress: processed=%d found=%d", processed, found)
	})
	if err != nil {
		logger.Errorf("fuzzy refine search: %v", err)
		os.Exit(1)
	}
	fmt.Printf("refined to %d candidate(s) equal to 1337\n", refined.Len())
	for _, item := range refined.Items() {
		fmt.Printf("  0x%x = %v\n", item.Address, item.AsFloat64())
	}
}

func formatChain(chain *mamu.PointerChain) string {
	out := ""
	for i, step := range chain.Steps {
		if i > 0 {
			out += " -> "
		}
		if step.IsStaticRoot {
			out += fmt.Sprintf("%s+0x%x", step.ModuleName, step.Offset)
		} else {
			out += fmt.Sprintf("[+0x%x]", step.Offset)
		}
	}
	return out
}
